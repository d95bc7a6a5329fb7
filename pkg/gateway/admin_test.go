package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"bridge/pkg/config"
)

func TestAdminRegisterService_RejectsMissingName(t *testing.T) {
	gw := newTestGateway(t, "127.0.0.1:1")
	gw.admin = config.AdminConfig{Enabled: true, Token: "secret"}
	srv := httptest.NewServer(gw.Router())
	defer srv.Close()

	body := bytes.NewBufferString(`{"name":"","method_catalog":{},"instances":[]}`)
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/admin/services", body)
	req.Header.Set("X-Admin-Token", "secret")
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for a missing service name", resp.StatusCode)
	}
}

func TestAdminRegisterService_RejectsNegativeInstanceWeight(t *testing.T) {
	gw := newTestGateway(t, "127.0.0.1:1")
	gw.admin = config.AdminConfig{Enabled: true, Token: "secret"}
	srv := httptest.NewServer(gw.Router())
	defer srv.Close()

	payload := map[string]any{
		"name":           "payments",
		"method_catalog": map[string]any{},
		"instances": []map[string]any{
			{"instance_id": "i1", "endpoint": "10.0.0.1:9000", "weight": -1},
		},
	}
	raw, _ := json.Marshal(payload)
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/admin/services", bytes.NewReader(raw))
	req.Header.Set("X-Admin-Token", "secret")
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for a negative instance weight", resp.StatusCode)
	}
}

func TestAdminAddInstance_RejectsMissingEndpoint(t *testing.T) {
	gw := newTestGateway(t, "127.0.0.1:1")
	gw.admin = config.AdminConfig{Enabled: true, Token: "secret"}
	srv := httptest.NewServer(gw.Router())
	defer srv.Close()

	body := bytes.NewBufferString(`{"instance_id":"i2","endpoint":"","weight":1}`)
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/admin/services/orders/instances", body)
	req.Header.Set("X-Admin-Token", "secret")
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for a missing endpoint", resp.StatusCode)
	}
}
