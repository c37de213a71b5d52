package httpapi

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"planfold.app/internal/identity"
)

type workspaceView struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// handleWorkspaces lists the caller's workspaces. The query runs through the
// principal-scoped data client, so row-level security does the tenant
// filtering; there is no WHERE clause on the principal here on purpose.
func (a *API) handleWorkspaces(w http.ResponseWriter, r *http.Request) {
	principal, ok := identity.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, CodeUnauthenticated, "authentication required")
		return
	}
	if a.opt.Data == nil {
		writeError(w, r, http.StatusServiceUnavailable, CodeUpstreamUnavailable, "data access not configured")
		return
	}

	client, err := a.opt.Data.ForRequest(r.Context(), principal)
	if err != nil {
		writeIdentityError(w, r, err)
		return
	}
	defer client.Close(r.Context())

	rows, err := client.Query(r.Context(), `
		select w.id, w.name, m.role, w.created_at
		from workspaces w
		join workspace_members m on m.workspace_id = w.id
		order by w.created_at`)
	if err != nil {
		a.opt.Logger.Error("list workspaces", zap.Error(err))
		writeError(w, r, http.StatusServiceUnavailable, CodeUpstreamUnavailable, "service temporarily unavailable")
		return
	}
	defer rows.Close()

	workspaces := make([]workspaceView, 0)
	for rows.Next() {
		var ws workspaceView
		if err := rows.Scan(&ws.ID, &ws.Name, &ws.Role, &ws.CreatedAt); err != nil {
			writeError(w, r, http.StatusServiceUnavailable, CodeUpstreamUnavailable, "service temporarily unavailable")
			return
		}
		workspaces = append(workspaces, ws)
	}
	if err := rows.Err(); err != nil {
		writeError(w, r, http.StatusServiceUnavailable, CodeUpstreamUnavailable, "service temporarily unavailable")
		return
	}
	if err := client.Commit(r.Context()); err != nil {
		writeError(w, r, http.StatusServiceUnavailable, CodeUpstreamUnavailable, "service temporarily unavailable")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"workspaces": workspaces})
}
