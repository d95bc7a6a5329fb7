package gateway

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"bridge/pkg/apperror"
	"bridge/pkg/registry"
)

// validate is the shared validator.Validate instance used to check admin
// payloads at registration time. A *Validate caches struct reflection, so a
// single package-level instance is the idiomatic way to use this library.
var validate = validator.New()

// requireAdminToken gates every /admin route behind a shared token sent in
// the X-Admin-Token header, compared in constant time to avoid a timing side
// channel.
func (gw *Gateway) requireAdminToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get("X-Admin-Token")
		if subtle.ConstantTimeCompare([]byte(got), []byte(gw.admin.Token)) != 1 {
			writeError(w, r, apperror.New(apperror.Forbidden, "invalid or missing admin token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// serviceSummary is one entry in GET /api/services.
type serviceSummary struct {
	Name      string             `json:"name"`
	Version   string             `json:"version"`
	Instances []instanceSummary  `json:"instances"`
}

type instanceSummary struct {
	InstanceID string `json:"instance_id"`
	Endpoint   string `json:"endpoint"`
	Health     string `json:"health"`
	Inflight   int64  `json:"inflight"`
}

func (gw *Gateway) handleListServices(w http.ResponseWriter, _ *http.Request) {
	names := gw.reg.Names()
	out := make([]serviceSummary, 0, len(names))
	for _, name := range names {
		desc, instances, err := gw.reg.Lookup(name)
		if err != nil {
			continue
		}
		summary := serviceSummary{Name: desc.Name, Version: desc.Version}
		for _, inst := range instances {
			summary.Instances = append(summary.Instances, instanceSummary{
				InstanceID: inst.InstanceID,
				Endpoint:   inst.Endpoint,
				Health:     inst.Health().String(),
				Inflight:   inst.Inflight.Load(),
			})
		}
		out = append(out, summary)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

// registerServiceRequest is the admin wire shape for POST /admin/services.
type registerServiceRequest struct {
	Name          string                    `json:"name" validate:"required"`
	Version       string                    `json:"version"`
	MethodCatalog map[string]methodSpecWire `json:"method_catalog"`
	Instances     []instanceWire            `json:"instances" validate:"dive"`
	Replace       bool                      `json:"replace"`
}

type instanceWire struct {
	InstanceID string  `json:"instance_id" validate:"required"`
	Endpoint   string  `json:"endpoint" validate:"required,hostname_port|uri"`
	Weight     float64 `json:"weight" validate:"gte=0"`
	TLSEnabled bool    `json:"tls_enabled"`
}

type methodSpecWire struct {
	GRPCService       string        `json:"grpc_service"`
	GRPCMethod        string        `json:"grpc_method"`
	CallKind          string        `json:"call_kind"`
	RequestShape      []fieldWire   `json:"request_shape"`
	ResponseShape     []fieldWire   `json:"response_shape"`
	Idempotent        bool          `json:"idempotent"`
	TimeoutMs         int64         `json:"timeout_ms"`
	CacheTTLMs        int64         `json:"cache_ttl_ms"`
	StaleAfterMs      int64         `json:"stale_after_ms"`
	NegativeCacheable bool          `json:"negative_cacheable"`
	HedgeEnabled      bool          `json:"hedge_enabled"`
}

type fieldWire struct {
	Name     string      `json:"name"`
	Type     string      `json:"type"`
	Required bool        `json:"required"`
	Elem     *fieldWire  `json:"elem,omitempty"`
	Fields   []fieldWire `json:"fields,omitempty"`
}

func (gw *Gateway) handleRegisterService(w http.ResponseWriter, r *http.Request) {
	var req registerServiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, apperror.Wrap(err, apperror.InvalidRequest, "malformed admin request body"))
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, r, apperror.Wrap(err, apperror.InvalidRequest, "invalid service registration").WithService(req.Name))
		return
	}

	desc := registry.ServiceDescriptor{
		Name:          req.Name,
		Version:       req.Version,
		MethodCatalog: make(map[string]registry.MethodSpec, len(req.MethodCatalog)),
	}
	for pattern, wire := range req.MethodCatalog {
		desc.MethodCatalog[pattern] = wire.toMethodSpec()
	}

	instances := make([]registry.ServiceInstance, 0, len(req.Instances))
	for _, iw := range req.Instances {
		instances = append(instances, registry.ServiceInstance{
			InstanceID: iw.InstanceID,
			Endpoint:   iw.Endpoint,
			Weight:     iw.Weight,
			TLSEnabled: iw.TLSEnabled,
		})
	}

	if err := gw.reg.Register(desc, instances, req.Replace); err != nil {
		writeError(w, r, apperror.Wrap(err, apperror.Conflict, "service registration failed").WithService(req.Name))
		return
	}
	for _, inst := range instances {
		gw.pool.Warm(inst.InstanceID, inst.Endpoint, inst.TLSEnabled)
	}

	w.WriteHeader(http.StatusCreated)
}

func (gw *Gateway) handleDeregisterService(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "service")
	if err := gw.reg.Deregister(name); err != nil {
		writeError(w, r, apperror.Wrap(err, apperror.NotFound, "deregister failed").WithService(name))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (gw *Gateway) handleAddInstance(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "service")
	var iw instanceWire
	if err := json.NewDecoder(r.Body).Decode(&iw); err != nil {
		writeError(w, r, apperror.Wrap(err, apperror.InvalidRequest, "malformed instance body"))
		return
	}
	if err := validate.Struct(iw); err != nil {
		writeError(w, r, apperror.Wrap(err, apperror.InvalidRequest, "invalid instance").WithService(name))
		return
	}
	inst := registry.ServiceInstance{
		InstanceID: iw.InstanceID,
		Endpoint:   iw.Endpoint,
		Weight:     iw.Weight,
		TLSEnabled: iw.TLSEnabled,
	}
	if err := gw.reg.AddInstance(name, inst); err != nil {
		writeError(w, r, apperror.Wrap(err, apperror.NotFound, "add instance failed").WithService(name))
		return
	}
	gw.pool.Warm(inst.InstanceID, inst.Endpoint, inst.TLSEnabled)
	w.WriteHeader(http.StatusCreated)
}

func (gw *Gateway) handleRemoveInstance(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "service")
	instanceID := chi.URLParam(r, "instanceID")
	if err := gw.reg.RemoveInstance(name, instanceID); err != nil {
		writeError(w, r, apperror.Wrap(err, apperror.NotFound, "remove instance failed").WithService(name))
		return
	}
	gw.pool.Remove(instanceID)
	w.WriteHeader(http.StatusNoContent)
}

func (msw methodSpecWire) toMethodSpec() registry.MethodSpec {
	return registry.MethodSpec{
		GRPCService:       msw.GRPCService,
		GRPCMethod:        msw.GRPCMethod,
		CallKind:          callKindFromString(msw.CallKind),
		RequestShape:      toFieldSpecs(msw.RequestShape),
		ResponseShape:     toFieldSpecs(msw.ResponseShape),
		Idempotent:        msw.Idempotent,
		TimeoutDefault:    time.Duration(msw.TimeoutMs) * time.Millisecond,
		CacheTTL:          time.Duration(msw.CacheTTLMs) * time.Millisecond,
		StaleAfter:        time.Duration(msw.StaleAfterMs) * time.Millisecond,
		NegativeCacheable: msw.NegativeCacheable,
		HedgeEnabled:      msw.HedgeEnabled,
	}
}

func toFieldSpecs(wires []fieldWire) []registry.FieldSpec {
	if len(wires) == 0 {
		return nil
	}
	out := make([]registry.FieldSpec, 0, len(wires))
	for _, fw := range wires {
		spec := registry.FieldSpec{
			Name:     fw.Name,
			Type:     fieldTypeFromString(fw.Type),
			Required: fw.Required,
			Fields:   toFieldSpecs(fw.Fields),
		}
		if fw.Elem != nil {
			elem := fw.Elem.toFieldSpec()
			spec.Elem = &elem
		}
		out = append(out, spec)
	}
	return out
}

func (fw fieldWire) toFieldSpec() registry.FieldSpec {
	spec := registry.FieldSpec{
		Name:     fw.Name,
		Type:     fieldTypeFromString(fw.Type),
		Required: fw.Required,
		Fields:   toFieldSpecs(fw.Fields),
	}
	if fw.Elem != nil {
		elem := fw.Elem.toFieldSpec()
		spec.Elem = &elem
	}
	return spec
}

func fieldTypeFromString(s string) registry.FieldType {
	switch s {
	case "bool":
		return registry.FieldBool
	case "int32":
		return registry.FieldInt32
	case "int64":
		return registry.FieldInt64
	case "uint64":
		return registry.FieldUint64
	case "float32":
		return registry.FieldFloat32
	case "float64":
		return registry.FieldFloat64
	case "bytes":
		return registry.FieldBytes
	case "message":
		return registry.FieldMessage
	case "repeated":
		return registry.FieldRepeated
	case "map":
		return registry.FieldMap
	default:
		return registry.FieldString
	}
}

func callKindFromString(s string) registry.CallKind {
	switch s {
	case "server_stream":
		return registry.ServerStream
	case "client_stream":
		return registry.ClientStream
	case "bidi_stream":
		return registry.BidiStream
	default:
		return registry.Unary
	}
}
