package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/user/groupbot/internal/storage"
)

type apiClient struct {
	t      *testing.T
	router http.Handler
}

func (c *apiClient) do(method, path, body string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	rec := httptest.NewRecorder()
	c.router.ServeHTTP(rec, httptest.NewRequest(method, path, rd))
	return rec
}

// call sends a request, checks the status and decodes the JSON body into out.
func (c *apiClient) call(method, path, body string, want int, out interface{}) {
	c.t.Helper()
	rec := c.do(method, path, body)
	if rec.Code != want {
		c.t.Fatalf("%s %s: got %d %s, want %d", method, path, rec.Code, rec.Body.String(), want)
	}
	if out != nil {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			c.t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
}

func TestConfigRoutes(t *testing.T) {
	c := &apiClient{t: t, router: newRouter(&fakeSessions{}, newTestStore(t))}

	var settings storage.Settings
	c.call(http.MethodGet, "/sessions/sales/settings", "", http.StatusOK, &settings)
	if settings.Enabled || settings.Threshold != storage.DefaultThreshold {
		t.Errorf("unexpected initial settings %+v", settings)
	}

	var tpl storage.Template
	c.call(http.MethodPost, "/sessions/sales/templates", `{"name":"promo","text":"Visit us"}`, http.StatusCreated, &tpl)
	if tpl.ID == 0 || tpl.Name != "promo" {
		t.Fatalf("unexpected template %+v", tpl)
	}

	body := fmt.Sprintf(`{"enabled":true,"threshold":3,"text_message":"hi","selected_groups":["1@g.us"],"global_template_id":%d}`, tpl.ID)
	c.call(http.MethodPatch, "/sessions/sales/settings", body, http.StatusOK, &settings)
	if !settings.Enabled || settings.Threshold != 3 || settings.TextMessage != "hi" {
		t.Errorf("settings not applied: %+v", settings)
	}
	if settings.GlobalTemplateID == nil || *settings.GlobalTemplateID != tpl.ID {
		t.Errorf("expected global template %d, got %v", tpl.ID, settings.GlobalTemplateID)
	}

	c.call(http.MethodPatch, "/sessions/sales/settings", `{"threshold":5}`, http.StatusOK, &settings)
	if !settings.Enabled || settings.Threshold != 5 || len(settings.SelectedGroups) != 1 {
		t.Errorf("partial update must keep other fields: %+v", settings)
	}

	var preset storage.Preset
	body = fmt.Sprintf(`{"cooldown_sec":60,"template_id":%d,"messages":[{"text":"one"},{"text":" "}]}`, tpl.ID)
	c.call(http.MethodPatch, "/sessions/sales/presets/1@g.us", body, http.StatusOK, &preset)
	if preset.CooldownSec == nil || *preset.CooldownSec != 60 || len(preset.Messages) != 1 {
		t.Errorf("preset not applied: %+v", preset)
	}

	c.call(http.MethodPatch, "/sessions/sales/presets/1@g.us", `{"inherit":["cooldown_sec"]}`, http.StatusOK, &preset)
	if preset.CooldownSec != nil || preset.TemplateID == nil {
		t.Errorf("expected cooldown inherited and template kept, got %+v", preset)
	}

	path := fmt.Sprintf("/sessions/sales/templates/%d", tpl.ID)
	c.call(http.MethodPatch, path, `{"text":"New text"}`, http.StatusOK, &tpl)
	if tpl.Text != "New text" || tpl.Name != "promo" {
		t.Errorf("unexpected template after edit %+v", tpl)
	}

	c.call(http.MethodDelete, path, "", http.StatusNoContent, nil)
	c.call(http.MethodGet, "/sessions/sales/settings", "", http.StatusOK, &settings)
	if settings.GlobalTemplateID != nil {
		t.Errorf("expected global template cleared, got %d", *settings.GlobalTemplateID)
	}
	c.call(http.MethodGet, "/sessions/sales/presets/1@g.us", "", http.StatusOK, &preset)
	if preset.TemplateID != nil {
		t.Errorf("expected preset template cleared, got %d", *preset.TemplateID)
	}

	var presets []storage.Preset
	c.call(http.MethodGet, "/sessions/sales/presets", "", http.StatusOK, &presets)
	if len(presets) != 1 {
		t.Errorf("expected 1 preset, got %d", len(presets))
	}

	var others []storage.Template
	c.call(http.MethodGet, "/sessions/default/templates", "", http.StatusOK, &others)
	if others == nil || len(others) != 0 {
		t.Errorf("expected an empty list for another session, got %v", others)
	}
}

func TestConfigRouteErrors(t *testing.T) {
	c := &apiClient{t: t, router: newRouter(&fakeSessions{}, newTestStore(t))}

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"threshold below one", http.MethodPatch, "/sessions/sales/settings", `{"threshold":0}`, http.StatusBadRequest},
		{"unknown field", http.MethodPatch, "/sessions/sales/settings", `{"bogus":1}`, http.StatusBadRequest},
		{"missing template", http.MethodPatch, "/sessions/sales/settings", `{"global_template_id":999}`, http.StatusBadRequest},
		{"set and clear template", http.MethodPatch, "/sessions/sales/settings", `{"global_template_id":1,"clear_template":true}`, http.StatusBadRequest},
		{"invalid session", http.MethodGet, "/sessions/!!!/settings", "", http.StatusBadRequest},
		{"template without text", http.MethodPost, "/sessions/sales/templates", `{"name":"x"}`, http.StatusBadRequest},
		{"bad template id", http.MethodPatch, "/sessions/sales/templates/abc", `{}`, http.StatusBadRequest},
		{"unknown template", http.MethodDelete, "/sessions/sales/templates/999", "", http.StatusNotFound},
		{"edit unknown template", http.MethodPatch, "/sessions/sales/templates/999", `{"text":"x"}`, http.StatusNotFound},
		{"not a group", http.MethodPatch, "/sessions/sales/presets/someone@s.whatsapp.net", `{}`, http.StatusBadRequest},
		{"set and inherit", http.MethodPatch, "/sessions/sales/presets/1@g.us", `{"cooldown_sec":5,"inherit":["cooldown_sec"]}`, http.StatusBadRequest},
		{"unknown inherit field", http.MethodPatch, "/sessions/sales/presets/1@g.us", `{"inherit":["color"]}`, http.StatusBadRequest},
		{"negative cooldown", http.MethodPatch, "/sessions/sales/presets/1@g.us", `{"cooldown_sec":-1}`, http.StatusBadRequest},
		{"no preset", http.MethodGet, "/sessions/sales/presets/2@g.us", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := c.do(tt.method, tt.path, tt.body)
			if rec.Code != tt.want {
				t.Fatalf("got %d %s, want %d", rec.Code, rec.Body.String(), tt.want)
			}
			var body map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body["error"] == "" {
				t.Errorf("expected an error body, got %q", rec.Body.String())
			}
		})
	}

	var settings storage.Settings
	c.call(http.MethodGet, "/sessions/sales/settings", "", http.StatusOK, &settings)
	if settings.Threshold != storage.DefaultThreshold {
		t.Errorf("rejected updates must not change settings, got threshold %d", settings.Threshold)
	}
}
