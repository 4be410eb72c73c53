package schema

// Share statuses used by resources and collections.
const (
	StatusPrivate  = "Private"
	StatusOnDemand = "OnDemand"
	StatusPublic   = "Public"
)

// Resource types, derived from the mime class prefix.
const (
	ResourceTypeImage = "I"
	ResourceTypeVideo = "V"
	ResourceTypeAudio = "A"
)

// Collection membership levels. ACCESS_REQUEST and ACCESS grant full file
// access; ACCESS_BASIC grants metadata only.
const (
	LevelAccessBasic   = 1
	LevelAccess        = 2
	LevelUpdate        = 3
	LevelDelete        = 4
	LevelAccessRequest = 5
)

// Research project statuses. Projects are created NotProcessed and must be
// approved by a site admin before roles or collections can be changed.
const (
	ProjectNotProcessed = "NotProcessed"
	ProjectApproved     = "Approved"
	ProjectRejected     = "Rejected"
)

// Roles within research and classification projects.
const (
	RoleAdmin        = "Admin"
	RoleExpert       = "Expert"
	RoleCollaborator = "Collaborator"
)

// Classification statuses. A classification is Approved only while
// approved_source, approved_by and approved_at are all set.
const (
	ClassificationRejected = "REJECTED"
	ClassificationApproved = "APPROVED"
)

// Attribute field types used by classificators. Comment and Annotations
// only occur on predefined attributes.
const (
	FieldString      = "S"
	FieldInt         = "I"
	FieldFloat       = "F"
	FieldBool        = "B"
	FieldComment     = "C"
	FieldAnnotations = "A"
)

// Target forms for classificator attributes.
const (
	TargetStatic  = "S"
	TargetDynamic = "D"
)

// Data package types.
const (
	PackageMediaFiles            = "M"
	PackageClassificationResults = "C"
)

// MediaExtensions is the set of file extensions accepted during collection
// ingest, lowercase with the leading dot.
var MediaExtensions = map[string]struct{}{
	".jpg": {}, ".jpeg": {}, ".png": {}, ".gif": {},
	".avi": {}, ".mp4": {}, ".mov": {}, ".mkv": {}, ".webm": {},
	".mp3": {}, ".wav": {}, ".ogg": {}, ".flac": {},
}

// MimeByExtension maps allowed extensions to their mime types.
var MimeByExtension = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".avi":  "video/x-msvideo",
	".mp4":  "video/mp4",
	".mov":  "video/quicktime",
	".mkv":  "video/x-matroska",
	".webm": "video/webm",
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".ogg":  "audio/ogg",
	".flac": "audio/flac",
}
