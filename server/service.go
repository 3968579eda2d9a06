package server

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/chazu/loom/pkg/engine"
	"github.com/chazu/loom/pkg/registry"
	"github.com/chazu/loom/pkg/report"
	"github.com/chazu/loom/pkg/routine"
	"github.com/chazu/loom/pkg/sir"
)

// Procedure paths served by the engine service. Messages are
// google.protobuf.Struct on both sides, so any Connect or gRPC client
// can speak to the service without a schema.
const (
	procSpecialize   = "/loom.v1.EngineService/Specialize"
	procDisassemble  = "/loom.v1.EngineService/Disassemble"
	procRun          = "/loom.v1.EngineService/Run"
	procRetain       = "/loom.v1.EngineService/Retain"
	procRelease      = "/loom.v1.EngineService/Release"
	procListRoutines = "/loom.v1.EngineService/ListRoutines"
	procGetReport    = "/loom.v1.EngineService/GetReport"
	procStat         = "/loom.v1.EngineService/Stat"
)

// defaultMaxSteps bounds Run requests that do not bring their own step
// budget. Routines are untrusted input; the server never runs unbounded.
const defaultMaxSteps = 1_000_000

// EngineService implements the engine procedures over Connect.
type EngineService struct {
	worker  *EngineWorker
	handles *HandleStore
}

// NewEngineService creates an EngineService.
func NewEngineService(worker *EngineWorker, handles *HandleStore) *EngineService {
	return &EngineService{
		worker:  worker,
		handles: handles,
	}
}

// Specialize assembles and specializes a routine, returning its report.
// The executable lands in the engine cache; use Retain to keep it pinned
// beyond that.
func (s *EngineService) Specialize(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	source := stringField(req.Msg, "source")
	if source == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("source is required"))
	}
	name := stringField(req.Msg, "name")

	result, err := s.worker.Do(func(e *engine.Engine) (interface{}, error) {
		ex, rep, err := e.Specialize(ctx, name, source)
		if err != nil {
			return nil, err
		}
		ex.Unpin()
		return rep, nil
	})
	if err != nil {
		return failure(err)
	}

	fields := reportFields(result.(*report.Report))
	fields["success"] = true
	return respond(fields)
}

// Disassemble specializes a routine and returns the listing alone.
func (s *EngineService) Disassemble(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	source := stringField(req.Msg, "source")
	if source == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("source is required"))
	}
	name := stringField(req.Msg, "name")

	result, err := s.worker.Do(func(e *engine.Engine) (interface{}, error) {
		return e.Disassemble(ctx, name, source)
	})
	if err != nil {
		return failure(err)
	}

	return respond(map[string]interface{}{
		"success": true,
		"listing": result.(string),
	})
}

// Run specializes a routine and executes it, returning the final main
// stack as signed decimal strings, bottom first. A max_steps field bounds
// execution; missing or non-positive budgets fall back to the default.
func (s *EngineService) Run(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	source := stringField(req.Msg, "source")
	if source == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("source is required"))
	}
	name := stringField(req.Msg, "name")
	steps := int(numberField(req.Msg, "max_steps"))
	if steps <= 0 {
		steps = defaultMaxSteps
	}

	result, err := s.worker.Do(func(e *engine.Engine) (interface{}, error) {
		return e.Run(ctx, name, source, steps)
	})
	if err != nil {
		return failure(err)
	}

	stack := result.([]sir.Word)
	words := make([]interface{}, len(stack))
	for i, w := range stack {
		words[i] = strconv.FormatInt(w.Int(), 10)
	}
	return respond(map[string]interface{}{
		"success": true,
		"stack":   words,
		"depth":   len(stack),
	})
}

// Retain pins an executable under a server-side handle. Cached
// executables are served directly; otherwise the routine is rebuilt from
// the source stored in the registry.
func (s *EngineService) Retain(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	f, err := report.ParseFingerprint(stringField(req.Msg, "fingerprint"))
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}

	result, err := s.worker.Do(func(e *engine.Engine) (interface{}, error) {
		if ex, ok := e.Lookup(f); ok {
			return ex, nil
		}
		rep, err := e.Report(ctx, f)
		if err != nil {
			return nil, err
		}
		if rep.SourceText == "" {
			return nil, fmt.Errorf("report %s carries no source to rebuild from", f)
		}
		ex, _, err := e.Specialize(ctx, rep.Name, rep.SourceText)
		return ex, err
	})
	if errors.Is(err, registry.ErrNotFound) {
		return nil, connect.NewError(connect.CodeNotFound, err)
	}
	if err != nil {
		return failure(err)
	}

	id := s.handles.Create(result.(*routine.Executable), f)
	return respond(map[string]interface{}{
		"success": true,
		"handle":  id,
	})
}

// Release drops a handle created by Retain.
func (s *EngineService) Release(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	id := stringField(req.Msg, "handle")
	if id == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("handle is required"))
	}
	return respond(map[string]interface{}{
		"released": s.handles.Release(id),
	})
}

// ListRoutines returns the registry's entries, newest first.
func (s *EngineService) ListRoutines(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	result, err := s.worker.Do(func(e *engine.Engine) (interface{}, error) {
		return e.List(ctx)
	})
	if err != nil {
		return failure(err)
	}

	entries := result.([]registry.Entry)
	routines := make([]interface{}, len(entries))
	for i, en := range entries {
		routines[i] = map[string]interface{}{
			"fingerprint":  en.Fingerprint,
			"name":         en.Name,
			"vm":           en.VM,
			"dispatch":     en.Dispatch,
			"instructions": en.Instructions,
			"created_unix": en.CreatedAt,
		}
	}
	return respond(map[string]interface{}{
		"success":  true,
		"routines": routines,
	})
}

// GetReport returns the full stored report for a fingerprint, source and
// listing included.
func (s *EngineService) GetReport(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	f, err := report.ParseFingerprint(stringField(req.Msg, "fingerprint"))
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}

	result, err := s.worker.Do(func(e *engine.Engine) (interface{}, error) {
		return e.Report(ctx, f)
	})
	if errors.Is(err, registry.ErrNotFound) {
		return nil, connect.NewError(connect.CodeNotFound, err)
	}
	if err != nil {
		return failure(err)
	}

	rep := result.(*report.Report)
	fields := reportFields(rep)
	fields["success"] = true
	fields["source"] = rep.SourceText
	fields["listing"] = rep.Listing
	return respond(fields)
}

// Stat reports engine, cache and handle occupancy.
func (s *EngineService) Stat(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	result, err := s.worker.Do(func(e *engine.Engine) (interface{}, error) {
		return e.Stat(ctx)
	})
	if err != nil {
		return failure(err)
	}

	st := result.(engine.Stats)
	return respond(map[string]interface{}{
		"success":    true,
		"vm":         st.VM,
		"dispatch":   st.Dispatch,
		"cache_len":  st.CacheLen,
		"cache_size": st.CacheSize,
		"hits":       int(st.Hits),
		"misses":     int(st.Misses),
		"persisted":  st.Persisted,
		"handles":    s.handles.Len(),
	})
}

// stringField reads a string field from a request message, "" when
// absent or of another type.
func stringField(msg *structpb.Struct, name string) string {
	return msg.GetFields()[name].GetStringValue()
}

// numberField reads a numeric field, zero when absent.
func numberField(msg *structpb.Struct, name string) float64 {
	return msg.GetFields()[name].GetNumberValue()
}

// respond builds a Struct response, which only fails on values outside
// the JSON data model.
func respond(fields map[string]interface{}) (*connect.Response[structpb.Struct], error) {
	msg, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(msg), nil
}

// failure maps an engine error to the wire: defects surface as internal
// errors, everything else is a routine problem reported in-band.
func failure(err error) (*connect.Response[structpb.Struct], error) {
	if errors.Is(err, ErrEnginePanic) || errors.Is(err, ErrWorkerStopped) {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return respond(map[string]interface{}{
		"success": false,
		"error":   err.Error(),
	})
}

// reportFields renders the scalar half of a report; listing and source
// stay out unless the caller asks for them.
func reportFields(rep *report.Report) map[string]interface{} {
	slow := make([]interface{}, len(rep.SlowRegisters))
	for i, n := range rep.SlowRegisters {
		slow[i] = n
	}
	return map[string]interface{}{
		"fingerprint":    rep.Fingerprint.String(),
		"name":           rep.Name,
		"vm":             rep.VM,
		"dispatch":       rep.Dispatch,
		"instructions":   rep.Instructions,
		"words":          rep.Words,
		"native_bytes":   rep.NativeBytes,
		"slow_registers": slow,
	}
}
