package services

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"trapper/trapper/access"
	"trapper/trapper/classification"
	"trapper/trapper/classificator"
	"trapper/trapper/export"
	"trapper/trapper/schema"
	"trapper/trapper/tasks"
)

type codedError struct {
	err  error
	code int
}

func (e *codedError) Error() string {
	return e.err.Error()
}

func (e *codedError) Unwrap() error {
	return e.err
}

func CodedError(err error, code int) error {
	return &codedError{err: err, code: code}
}

func GetResponseCode(err error) int {
	var cerr *codedError
	if errors.As(err, &cerr) {
		return cerr.code
	}
	slog.Error("non coded error passed to GetResponseCode", "error", err)
	return http.StatusInternalServerError
}

var notFoundErrors = []error{
	schema.ErrUserNotFound, schema.ErrLocationNotFound, schema.ErrDeploymentNotFound,
	schema.ErrResourceNotFound, schema.ErrCollectionNotFound, schema.ErrResearchProjectNotFound,
	schema.ErrClassificationProjectNotFound, schema.ErrProjectCollectionNotFound,
	schema.ErrClassificatorNotFound, schema.ErrClassificationNotFound,
	schema.ErrUserClassificationNotFound, schema.ErrSequenceNotFound,
	schema.ErrCollectionRequestNotFound, schema.ErrUserTaskNotFound,
	schema.ErrDataPackageNotFound,
}

var permissionErrors = []error{
	classification.ErrPermissionDenied, export.ErrPermissionDenied,
	classificator.ErrNotClassificatorOwner, access.ErrNotRequestOwner,
	tasks.ErrNotTaskOwner,
}

// responseCode maps domain errors onto HTTP statuses; unknown errors are
// treated as internal.
func responseCode(err error) int {
	var cerr *codedError
	if errors.As(err, &cerr) {
		return cerr.code
	}

	for _, sentinel := range notFoundErrors {
		if errors.Is(err, sentinel) {
			return http.StatusNotFound
		}
	}
	for _, sentinel := range permissionErrors {
		if errors.Is(err, sentinel) {
			return http.StatusForbidden
		}
	}

	var fieldErrs classificator.FieldErrors
	if errors.As(err, &fieldErrs) {
		return http.StatusBadRequest
	}

	switch {
	case errors.Is(err, access.ErrProjectNotApproved),
		errors.Is(err, access.ErrCollectionInUse),
		errors.Is(err, access.ErrCollectionLinkExists),
		errors.Is(err, access.ErrCollectionNotLinked),
		errors.Is(err, access.ErrRoleNotFound),
		errors.Is(err, access.ErrRequestFlood),
		errors.Is(err, access.ErrRequestResolved),
		errors.Is(err, classification.ErrSequencingDisabled),
		errors.Is(err, classification.ErrResourceAlreadyInSeq),
		errors.Is(err, classification.ErrResourceNotInBinding),
		errors.Is(err, classificator.ErrClassificatorDisabled),
		errors.Is(err, tasks.ErrNotCancellable),
		errors.Is(err, tasks.ErrTooManyRunning):
		return http.StatusConflict
	case errors.Is(err, classification.ErrNoClassificator),
		errors.Is(err, classification.ErrClassificationMissing),
		errors.Is(err, export.ErrPackageTooLarge),
		errors.Is(err, access.ErrNothingToRequest):
		return http.StatusBadRequest
	}

	return http.StatusInternalServerError
}

type statusResponse struct {
	Success bool   `json:"success"`
	Msg     string `json:"msg"`
}

func writeJsonWithCode(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("error serializing response body", "error", err)
	}
}

func writePermissionDenied(w http.ResponseWriter) {
	writeJsonWithCode(w, http.StatusForbidden, statusResponse{Success: false, Msg: "Permission denied"})
}

// writeError renders a domain error. Permission failures get the json
// `{success: false, msg: ...}` shape, validation failures the field error
// map, everything else plain text.
func writeError(w http.ResponseWriter, err error) {
	code := responseCode(err)

	switch code {
	case http.StatusUnauthorized:
		writeJsonWithCode(w, code, statusResponse{Success: false, Msg: "Authentication required"})
		return
	case http.StatusForbidden:
		writeJsonWithCode(w, code, statusResponse{Success: false, Msg: "Permission denied"})
		return
	}

	var fieldErrs classificator.FieldErrors
	if errors.As(err, &fieldErrs) {
		writeJsonWithCode(w, code, map[string]interface{}{"success": false, "errors": fieldErrs})
		return
	}

	http.Error(w, err.Error(), code)
}
