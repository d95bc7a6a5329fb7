package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/grpc"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"bridge/pkg/apperror"
	"bridge/pkg/logger"
	"bridge/pkg/orchestrator"
	"bridge/pkg/registry"
	"bridge/pkg/wirecodec"
)

// handleServerStream implements the server-stream half of §4.8: a
// single-request, multi-response gRPC call bridged to server-sent events,
// one `data:` frame per backend message.
func (gw *Gateway) handleServerStream(w http.ResponseWriter, r *http.Request, service, route string, spec registry.MethodSpec, params map[string]string) {
	body, bodyErr := gw.bindBody(r, params)
	if bodyErr != nil {
		writeError(w, r, apperror.Wrap(bodyErr, apperror.InvalidRequest, "malformed JSON body").WithService(service))
		return
	}

	ctx, cancel := gw.deadlineContext(r)
	defer cancel()
	ctx = forwardMetadata(ctx, r)

	tr := gw.orch.Translator()
	decoded, decErr := tr.DecodeRequest(spec.RequestShape, body)
	if decErr != nil {
		writeError(w, r, apperror.Wrap(decErr, apperror.InvalidRequest, "request translation failed").WithService(service))
		return
	}

	req := orchestrator.Request{
		Service:    service,
		MethodSpec: spec,
		Tenant:     r.Header.Get("X-Tenant"),
		RequestID:  chimiddleware.GetReqID(r.Context()),
		Route:      route,
	}
	handle, inst, release, openErr := gw.orch.OpenStream(ctx, req)
	if openErr != nil {
		writeError(w, r, openErr)
		return
	}
	defer release()

	fullMethod := "/" + spec.GRPCService + "/" + spec.GRPCMethod
	desc := &grpc.StreamDesc{StreamName: spec.GRPCMethod, ServerStreams: true}
	start := time.Now()
	stream, streamErr := handle.NewStream(ctx, desc, fullMethod)
	if streamErr != nil {
		gw.orch.ReportOutcome(service, inst, time.Since(start), streamErr)
		writeError(w, r, apperror.FromGRPC(streamErr).WithService(service).WithMethod(spec.GRPCMethod))
		return
	}

	reqBytes, marshalErr := json.Marshal(decoded)
	if marshalErr != nil {
		writeError(w, r, apperror.Wrap(marshalErr, apperror.Internal, "request encode failed"))
		return
	}
	if sendErr := stream.SendMsg(wirecodec.RawBytes(reqBytes)); sendErr != nil {
		gw.orch.ReportOutcome(service, inst, time.Since(start), sendErr)
		writeError(w, r, apperror.FromGRPC(sendErr).WithService(service).WithMethod(spec.GRPCMethod))
		return
	}
	_ = stream.CloseSend()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)

	for {
		var raw wirecodec.RawBytes
		recvErr := stream.RecvMsg(&raw)
		if recvErr == io.EOF {
			gw.orch.ReportOutcome(service, inst, time.Since(start), nil)
			return
		}
		if recvErr != nil {
			gw.orch.ReportOutcome(service, inst, time.Since(start), recvErr)
			fmt.Fprintf(w, "event: error\ndata: %s\n\n", apperror.FromGRPC(recvErr).Error())
			if canFlush {
				flusher.Flush()
			}
			return
		}
		var decodedResp map[string]any
		if err := json.Unmarshal(raw, &decodedResp); err != nil {
			logger.Log.Error("gateway: stream response decode failed", "service", service, "error", err)
			continue
		}
		rendered := tr.EncodeResponse(spec.ResponseShape, decodedResp)
		payload, _ := json.Marshal(rendered)
		fmt.Fprintf(w, "data: %s\n\n", payload)
		if canFlush {
			flusher.Flush()
		}
	}
}

// handleBidiStream implements the WebSocket upgrade half of §4.8: every
// inbound WS text message is translated and sent as one gRPC message, every
// gRPC message received is translated and written as one WS text message,
// pumped concurrently so either side can lead.
func (gw *Gateway) handleBidiStream(w http.ResponseWriter, r *http.Request, service, route string, spec registry.MethodSpec, _ map[string]string) {
	conn, upgradeErr := gw.upgrader.Upgrade(w, r, nil)
	if upgradeErr != nil {
		logger.Log.Warn("gateway: websocket upgrade failed", "service", service, "error", upgradeErr)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(forwardMetadata(r.Context(), r))
	defer cancel()

	tr := gw.orch.Translator()
	req := orchestrator.Request{
		Service:    service,
		MethodSpec: spec,
		Tenant:     r.Header.Get("X-Tenant"),
		RequestID:  chimiddleware.GetReqID(r.Context()),
		Route:      route,
	}
	handle, inst, release, openErr := gw.orch.OpenStream(ctx, req)
	if openErr != nil {
		_ = conn.WriteJSON(map[string]string{"error": openErr.Error()})
		return
	}
	defer release()

	fullMethod := "/" + spec.GRPCService + "/" + spec.GRPCMethod
	desc := &grpc.StreamDesc{StreamName: spec.GRPCMethod, ClientStreams: true, ServerStreams: true}
	start := time.Now()
	stream, streamErr := handle.NewStream(ctx, desc, fullMethod)
	if streamErr != nil {
		_ = conn.WriteJSON(map[string]string{"error": streamErr.Error()})
		gw.orch.ReportOutcome(service, inst, time.Since(start), streamErr)
		return
	}

	var mu sync.Mutex
	var finalErr error
	setErr := func(e error) {
		mu.Lock()
		if finalErr == nil {
			finalErr = e
		}
		mu.Unlock()
	}

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer stream.CloseSend()
		for {
			_, data, readErr := conn.ReadMessage()
			if readErr != nil {
				if !websocket.IsCloseError(readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					setErr(readErr)
				}
				return
			}
			var decoded map[string]any
			if jsonErr := json.Unmarshal(data, &decoded); jsonErr != nil {
				setErr(jsonErr)
				return
			}
			translated, trErr := tr.DecodeRequest(spec.RequestShape, decoded)
			if trErr != nil {
				setErr(trErr)
				return
			}
			payload, marshalErr := json.Marshal(translated)
			if marshalErr != nil {
				setErr(marshalErr)
				return
			}
			if sendErr := stream.SendMsg(wirecodec.RawBytes(payload)); sendErr != nil {
				setErr(sendErr)
				return
			}
		}
	}()

	go func() {
		defer wg.Done()
		for {
			var raw wirecodec.RawBytes
			recvErr := stream.RecvMsg(&raw)
			if recvErr == io.EOF {
				return
			}
			if recvErr != nil {
				setErr(recvErr)
				return
			}
			var decoded map[string]any
			if err := json.Unmarshal(raw, &decoded); err != nil {
				setErr(err)
				return
			}
			rendered := tr.EncodeResponse(spec.ResponseShape, decoded)
			if writeErr := conn.WriteJSON(rendered); writeErr != nil {
				setErr(writeErr)
				return
			}
		}
	}()

	wg.Wait()
	gw.orch.ReportOutcome(service, inst, time.Since(start), finalErr)
}
