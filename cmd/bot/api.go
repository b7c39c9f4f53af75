package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/user/groupbot/internal/apperror"
	"github.com/user/groupbot/internal/provider"
	"github.com/user/groupbot/internal/session"
	"github.com/user/groupbot/internal/storage"
	"github.com/user/groupbot/pkg/logger"
)

// configRoutes serves the per-session settings, templates and presets.
type configRoutes struct {
	store *storage.Store
}

func (c *configRoutes) mount(r chi.Router) {
	r.Get("/sessions/{session}/settings", c.getSettings)
	r.Patch("/sessions/{session}/settings", c.patchSettings)

	r.Get("/sessions/{session}/templates", c.listTemplates)
	r.Post("/sessions/{session}/templates", c.createTemplate)
	r.Get("/sessions/{session}/templates/{id}", c.getTemplate)
	r.Patch("/sessions/{session}/templates/{id}", c.patchTemplate)
	r.Delete("/sessions/{session}/templates/{id}", c.deleteTemplate)

	r.Get("/sessions/{session}/presets", c.listPresets)
	r.Get("/sessions/{session}/presets/{group}", c.getPreset)
	r.Patch("/sessions/{session}/presets/{group}", c.patchPreset)
}

// sessionStore resolves the session of the request. Names that are not
// already normalized are rejected.
func (c *configRoutes) sessionStore(r *http.Request) (*storage.SessionStore, error) {
	name := chi.URLParam(r, "session")
	if !session.ValidSession(name) {
		return nil, apperror.NewValidation(fmt.Sprintf("invalid session name %q", name))
	}
	return c.store.ForSession(name), nil
}

func (c *configRoutes) getSettings(w http.ResponseWriter, r *http.Request) {
	ss, err := c.sessionStore(r)
	if err != nil {
		writeError(w, err)
		return
	}
	settings, err := ss.Settings(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (c *configRoutes) patchSettings(w http.ResponseWriter, r *http.Request) {
	ss, err := c.sessionStore(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var patch settingsPatch
	if err := decodeBody(r, &patch); err != nil {
		writeError(w, err)
		return
	}
	settings, err := ss.UpdateSettings(r.Context(), patch.apply)
	if err != nil {
		writeError(w, err)
		return
	}
	log := logger.ForSession(ss.Session())
	log.Info().Bool("enabled", settings.Enabled).Msg("Settings updated")
	writeJSON(w, http.StatusOK, settings)
}

func (c *configRoutes) listTemplates(w http.ResponseWriter, r *http.Request) {
	ss, err := c.sessionStore(r)
	if err != nil {
		writeError(w, err)
		return
	}
	templates, err := ss.Templates(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if templates == nil {
		templates = []storage.Template{}
	}
	writeJSON(w, http.StatusOK, templates)
}

func (c *configRoutes) createTemplate(w http.ResponseWriter, r *http.Request) {
	ss, err := c.sessionStore(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var patch templatePatch
	if err := decodeBody(r, &patch); err != nil {
		writeError(w, err)
		return
	}
	tpl, err := ss.CreateTemplate(r.Context(), patch.input())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tpl)
}

func (c *configRoutes) getTemplate(w http.ResponseWriter, r *http.Request) {
	ss, id, err := c.templateTarget(r)
	if err != nil {
		writeError(w, err)
		return
	}
	tpl, err := ss.Template(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if tpl == nil {
		writeError(w, apperror.NewNotFound(fmt.Sprintf("template %d not found", id)))
		return
	}
	writeJSON(w, http.StatusOK, tpl)
}

func (c *configRoutes) patchTemplate(w http.ResponseWriter, r *http.Request) {
	ss, id, err := c.templateTarget(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var patch templatePatch
	if err := decodeBody(r, &patch); err != nil {
		writeError(w, err)
		return
	}
	tpl, err := ss.UpdateTemplate(r.Context(), id, patch.update())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tpl)
}

func (c *configRoutes) deleteTemplate(w http.ResponseWriter, r *http.Request) {
	ss, id, err := c.templateTarget(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := ss.DeleteTemplate(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (c *configRoutes) templateTarget(r *http.Request) (*storage.SessionStore, int64, error) {
	ss, err := c.sessionStore(r)
	if err != nil {
		return nil, 0, err
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id < 1 {
		return nil, 0, apperror.NewValidation("invalid template id")
	}
	return ss, id, nil
}

func (c *configRoutes) listPresets(w http.ResponseWriter, r *http.Request) {
	ss, err := c.sessionStore(r)
	if err != nil {
		writeError(w, err)
		return
	}
	presets, err := ss.Presets(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if presets == nil {
		presets = []storage.Preset{}
	}
	writeJSON(w, http.StatusOK, presets)
}

func (c *configRoutes) getPreset(w http.ResponseWriter, r *http.Request) {
	ss, group, err := c.presetTarget(r)
	if err != nil {
		writeError(w, err)
		return
	}
	preset, err := ss.Preset(r.Context(), group)
	if err != nil {
		writeError(w, err)
		return
	}
	if preset == nil {
		writeError(w, apperror.NewNotFound(fmt.Sprintf("no preset for %s", group)))
		return
	}
	writeJSON(w, http.StatusOK, preset)
}

func (c *configRoutes) patchPreset(w http.ResponseWriter, r *http.Request) {
	ss, group, err := c.presetTarget(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var patch presetPatch
	if err := decodeBody(r, &patch); err != nil {
		writeError(w, err)
		return
	}
	update, err := patch.update()
	if err != nil {
		writeError(w, err)
		return
	}
	preset, err := ss.SetPreset(r.Context(), group, update)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, preset)
}

func (c *configRoutes) presetTarget(r *http.Request) (*storage.SessionStore, string, error) {
	ss, err := c.sessionStore(r)
	if err != nil {
		return nil, "", err
	}
	group := chi.URLParam(r, "group")
	if !provider.IsGroupID(group) {
		return nil, "", apperror.NewValidation(fmt.Sprintf("%s is not a group", group))
	}
	return ss, group, nil
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperror.NewValidation(fmt.Sprintf("invalid request body: %v", err))
	}
	return nil
}

// writeError maps domain errors to HTTP statuses. Anything else is logged
// and reported as an internal error.
func writeError(w http.ResponseWriter, err error) {
	var appErr *apperror.Error
	if !errors.As(err, &appErr) {
		logger.Error().Err(err).Msg("Request failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	status := http.StatusInternalServerError
	switch appErr.Kind {
	case apperror.KindValidation:
		status = http.StatusBadRequest
	case apperror.KindNotFound:
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]string{"error": appErr.Message})
}
