package handlers

import (
	"context"
	"net/http"

	"github.com/forgepay/settlement/internal/platform/db"
	"github.com/forgepay/settlement/internal/platform/web"

	"go.opencensus.io/trace"
)

// Health provides support for orchestration health checks.
type Health struct {
	Config   *web.Config
	MasterDB *db.DB
}

// Health validates the service is ready to accept requests.
func (h *Health) Health(ctx context.Context, w http.ResponseWriter, r *http.Request,
	params map[string]string) error {

	ctx, span := trace.StartSpan(ctx, "handlers.Health.Health")
	defer span.End()

	dbConn := h.MasterDB.Copy()
	defer dbConn.Close()

	if err := dbConn.StatusCheck(ctx); err != nil {
		web.Respond(ctx, w, nil, http.StatusInternalServerError)
		return nil
	}

	web.Respond(ctx, w, nil, http.StatusOK)
	return nil
}
