package services

import (
	"log"
	"net/http"
	"os"
	"trapper/trapper/access"
	"trapper/trapper/auth"
	"trapper/trapper/classification"
	"trapper/trapper/classificator"
	"trapper/trapper/export"
	"trapper/trapper/ingest"
	"trapper/trapper/media"
	"trapper/trapper/messaging"
	"trapper/trapper/storage"
	"trapper/trapper/tasks"
	"trapper/trapper/utils"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"gorm.io/gorm"
)

// Trapper bundles every boundary service behind a single router.
type Trapper struct {
	users           UserService
	collections     CollectionService
	resources       ResourceService
	research        ResearchService
	classificators  ClassificatorService
	projects        ProjectService
	classifications ClassificationService
	exports         ExportService
	taskBoard       TaskService
	messages        MessageService
}

// Variables carry deployment specific settings into the services.
type Variables struct {
	FfmpegPath string
}

func NewTrapper(db *gorm.DB, store storage.Storage, identity *auth.IdentityProvider, runner tasks.Runner, variables Variables) Trapper {
	acl := access.NewService(db)
	classificators := classificator.NewService(db)
	classifications := classification.NewService(db, acl, classificators)
	exports := export.NewService(db, acl, store, classificators)

	thumbs := media.NewProcessor(db, store)
	if variables.FfmpegPath != "" {
		thumbs.FfmpegPath = variables.FfmpegPath
	}

	ingestSvc := ingest.NewService(db, acl, store)
	ingestSvc.Thumbnails = thumbs

	return Trapper{
		users: UserService{db: db, identity: identity},
		collections: CollectionService{
			db: db, acl: acl, ingest: ingestSvc,
			thumbs: thumbs, runner: runner, identity: identity,
		},
		resources: ResourceService{db: db, acl: acl, storage: store, identity: identity},
		research:  ResearchService{db: db, acl: acl, identity: identity},
		classificators: ClassificatorService{
			db: db, classificators: classificators, identity: identity,
		},
		projects: ProjectService{
			db: db, acl: acl, classifications: classifications,
			classificators: classificators, runner: runner, identity: identity,
		},
		classifications: ClassificationService{
			db: db, acl: acl, classifications: classifications, identity: identity,
		},
		exports:   ExportService{db: db, acl: acl, exports: exports, runner: runner, identity: identity},
		taskBoard: TaskService{db: db, runner: runner, identity: identity},
		messages:  MessageService{db: db, messages: messaging.NewService(db), identity: identity},
	}
}

func (t *Trapper) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{
		Logger: log.New(os.Stderr, "", log.LstdFlags), NoColor: false,
	}))

	r.Mount("/user", t.users.Routes())
	r.Mount("/collection", t.collections.Routes())
	r.Mount("/resource", t.resources.Routes())
	r.Mount("/research", t.research.Routes())
	r.Mount("/classificator", t.classificators.Routes())
	r.Mount("/project", t.projects.Routes())
	r.Mount("/classification", t.classifications.Routes())
	r.Mount("/export", t.exports.Routes())
	r.Mount("/task", t.taskBoard.Routes())
	r.Mount("/message", t.messages.Routes())

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		utils.WriteSuccess(w)
	})

	return r
}
