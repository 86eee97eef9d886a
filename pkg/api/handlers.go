package api

import (
	"math"
	"net/http"
	"sort"

	"github.com/platinummonkey/plugd/pkg/httputil"
	"github.com/platinummonkey/plugd/pkg/lifecycle"
	"github.com/platinummonkey/plugd/pkg/monitor"
	"github.com/platinummonkey/plugd/pkg/plugins"
	"github.com/platinummonkey/plugd/pkg/registry"
)

// recentViolationLimit bounds the violations embedded in a disabled plugin
const recentViolationLimit = 10

// installPlugin handles POST /plugins/install
func (s *Server) installPlugin(w http.ResponseWriter, r *http.Request) {
	var req lifecycle.InstallRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	attempt, err := s.lifecycle.Submit(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Location", "/api/v1/installations/"+attempt.ID)
	httputil.WriteAccepted(w, InstallAccepted{
		Status:         attempt.Status,
		PluginID:       attempt.PluginID,
		InstallationID: attempt.ID,
	})
}

// listPlugins handles GET /plugins?status=&type=
func (s *Server) listPlugins(w http.ResponseWriter, r *http.Request) {
	var filter registry.ListFilter

	if raw := httputil.ParseQueryString(r, "status", ""); raw != "" {
		status, ok := plugins.ParseStatus(raw)
		if !ok {
			httputil.WriteBadRequest(w, "unknown status: "+raw)
			return
		}
		filter.Status = status
	}
	if raw := httputil.ParseQueryString(r, "type", ""); raw != "" {
		pluginType, ok := plugins.ParsePluginType(raw)
		if !ok {
			httputil.WriteBadRequest(w, "unknown plugin type: "+raw)
			return
		}
		filter.Type = pluginType
	}

	records, err := s.records.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if records == nil {
		records = []*plugins.Record{}
	}

	httputil.WriteSuccess(w, PluginList{Plugins: records, Total: len(records)})
}

// getPlugin handles GET /plugins/{id}
func (s *Server) getPlugin(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	rec, err := s.records.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	detail := PluginDetail{Record: rec}
	if caps, err := s.records.Permissions(r.Context(), id); err == nil {
		detail.Permissions = caps
	}
	if rec.Status == plugins.StatusDisabled && rec.ViolationCount > 0 {
		violations, err := s.records.ListViolations(r.Context(), id, recentViolationLimit)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		detail.RecentViolations = violations
	}

	httputil.WriteSuccess(w, detail)
}

// updatePlugin handles PUT /plugins/{id}/update. The body is optional; an
// empty target resolves the latest release.
func (s *Server) updatePlugin(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	var body UpdatePluginRequest
	if r.ContentLength != 0 && !httputil.ParseJSONOrError(w, r, &body) {
		return
	}

	result, err := s.lifecycle.Update(r.Context(), lifecycle.UpdateRequest{
		PluginID:      id,
		TargetVersion: body.TargetVersion,
		AutoUpdate:    body.AutoUpdate,
		Force:         body.Force,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	// A rolled back update is a completed request: the plugin is still
	// Installed on its previous version and the result carries the reason.
	httputil.WriteSuccess(w, result)
}

// uninstallPlugin handles DELETE /plugins/{id}
func (s *Server) uninstallPlugin(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	result, err := s.lifecycle.Uninstall(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, result)
}

// getHealth handles GET /plugins/{id}/health
func (s *Server) getHealth(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	health, err := s.health.Health(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, health)
}

// listViolations handles GET /plugins/{id}/security/violations?limit=
func (s *Server) listViolations(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	limit, err := httputil.ParseQueryIntInRange(r, "limit", registry.DefaultViolationLimit, 1, 100)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	// Violations outlive their plugin, so an unknown id is not an error
	violations, err := s.records.ListViolations(r.Context(), id, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if violations == nil {
		violations = []plugins.SecurityViolation{}
	}

	httputil.WriteSuccess(w, ViolationList{PluginID: id, Violations: violations, Count: len(violations)})
}

// rescanPlugin handles POST /plugins/{id}/security/scan
func (s *Server) rescanPlugin(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	report, err := s.lifecycle.Rescan(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, report)
}

// enablePlugin handles POST /plugins/{id}/enable?reset_score=
func (s *Server) enablePlugin(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	resetScore, err := httputil.ParseQueryBool(r, "reset_score", false)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	rec, err := s.lifecycle.Enable(r.Context(), id, resetScore)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, rec)
}

// disablePlugin handles POST /plugins/{id}/disable
func (s *Server) disablePlugin(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	var body DisableRequest
	if r.ContentLength != 0 && !httputil.ParseJSONOrError(w, r, &body) {
		return
	}

	rec, err := s.lifecycle.Disable(r.Context(), id, body.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, rec)
}

// configurePlugin handles POST /plugins/{id}/config
func (s *Server) configurePlugin(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	var body ConfigRequest
	if !httputil.ParseJSONOrError(w, r, &body) {
		return
	}
	if len(body.Config) == 0 {
		httputil.WriteBadRequest(w, "config is required")
		return
	}

	rec, err := s.lifecycle.Configure(r.Context(), id, body.Config)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, rec)
}

// listArchives handles GET /plugins/{id}/archives
func (s *Server) listArchives(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	keys, err := s.lifecycle.Archives(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if keys == nil {
		keys = []string{}
	}
	httputil.WriteSuccess(w, ArchiveList{PluginID: id, Archives: keys})
}

// getInstallation handles GET /installations/{id}
func (s *Server) getInstallation(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	attempt, err := s.lifecycle.GetAttempt(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, attempt)
}

// bridgeCall handles POST /plugins/{id}/bridge. Denied calls surface as 403.
func (s *Server) bridgeCall(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	var req monitor.Request
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Target == "" {
		httputil.WriteBadRequest(w, "target is required")
		return
	}

	resp, err := s.bridge.Send(r.Context(), id, &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, resp)
}

// getOverview handles GET /plugins/stats/overview
func (s *Server) getOverview(w http.ResponseWriter, r *http.Request) {
	records, err := s.records.List(r.Context(), registry.ListFilter{})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	overview := Overview{
		Total:             len(records),
		ByStatus:          make(map[plugins.Status]int),
		ByType:            make(map[plugins.PluginType]int),
		DroppedAccessLogs: s.health.Dropped(),
	}

	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })

	scoreSum := 0
	for _, rec := range records {
		overview.ByStatus[rec.Status]++
		if rec.Manifest != nil {
			overview.ByType[rec.Manifest.Type]++
		}
		overview.TotalViolations += rec.ViolationCount
		scoreSum += rec.SecurityScore
		if overview.LowestScore == nil || rec.SecurityScore < overview.LowestScore.SecurityScore {
			overview.LowestScore = &ScoreEntry{PluginID: rec.ID, SecurityScore: rec.SecurityScore}
		}
	}
	if len(records) > 0 {
		overview.AverageScore = math.Round(float64(scoreSum)/float64(len(records))*100) / 100
	}

	httputil.WriteSuccess(w, overview)
}
