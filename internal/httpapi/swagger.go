//go:build swagger

package httpapi

import (
	"github.com/go-chi/chi/v5"
	httpSwagger "github.com/swaggo/http-swagger"

	_ "inferd/docs"
)

// MountSwagger serves the generated OpenAPI UI at /docs/index.html. Build
// with -tags=swagger after running `swag init` to populate inferd/docs.
func MountSwagger(r chi.Router) {
	r.Get("/docs/*", httpSwagger.WrapHandler)
}
