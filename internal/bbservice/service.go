// Package bbservice adapts remote calls into BoardRegistry operations. It
// coerces loosely typed arguments, shapes outcomes into response tuples, and
// writes an audit record for every call once its outcome is known.
package bbservice

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/brandur/blackboard/internal/bbaudit"
	"github.com/brandur/blackboard/internal/bbstore"
)

const (
	MethodClearBlackboard      = "clear_blackboard"
	MethodCreateBlackboard     = "create_blackboard"
	MethodDeleteAllBlackboards = "delete_all_blackboards"
	MethodDeleteBlackboard     = "delete_blackboard"
	MethodDisplayBlackboard    = "display_blackboard"
	MethodGetBlackboardStatus  = "get_blackboard_status"
	MethodListBlackboards      = "list_blackboards"
	MethodReadBlackboard       = "read_blackboard"
)

const (
	MessageBoardCleared     = "[INFO] Board successfully cleared!"
	MessageBoardDeleted     = "[INFO] Board successfully deleted!"
	MessageBoardUpdated     = "[INFO] Board successfully updated!"
	MessageBoardsDeleted    = "[INFO] Successfully deleted all Boards!"
	MessageListEmpty        = "[WARNING] No Boards found! Please create one first!"
	MessageListRead         = "[INFO] Successful read of Board list!"
	MessageReadEmpty        = "[WARNING] Successfully read but data is empty!"
	MessageReadInvalid      = "[WARNING] Successfully read but data is invalid!"
	MessageReadValid        = "[INFO] Successfully read with valid data!"
	MessageStatusRead       = "[INFO] Successfully read Board status!"
	ErrMessageInternalError = "[ERROR] An internal error has occurred. Please report this to the server operator."
	ErrMessageInvalidData   = "[ERROR] Invalid parameters! Data must be a string!"
	ErrMessageInvalidName   = "[ERROR] Invalid parameters! Board name must be a string!"
	ErrMessageInvalidValid  = "[ERROR] Invalid parameters! Please give valid time in seconds as Float or Int!"
	ErrMessageNotFound      = "[ERROR] Board does not exist!"
)

// Timeout messages, which say what didn't happen.
const (
	ErrMessageTimeoutClear     = "[TIMEOUT] The server is too busy. Board not cleared. Try again later."
	ErrMessageTimeoutCreate    = "[TIMEOUT] The server is too busy. Board not created. Try again later."
	ErrMessageTimeoutDelete    = "[TIMEOUT] The server is too busy. Board not deleted. Try again later."
	ErrMessageTimeoutDeleteAll = "[TIMEOUT] The server is too busy. Boards not deleted. Try again later."
	ErrMessageTimeoutList      = "[TIMEOUT] The server is too busy. Could not list existing boards. Try again later."
	ErrMessageTimeoutRead      = "[TIMEOUT] The server is too busy. Board not read. Try again later."
	ErrMessageTimeoutUpdate    = "[TIMEOUT] The server is too busy. Board not updated. Try again later."
)

var ErrUnknownMethod = errors.New("unknown method")

func errMessageAlreadyExists(name string) string {
	return fmt.Sprintf("[ERROR] Board name '%s' already exists!", name)
}

func errMessageArity(method string, want, got int) string {
	return fmt.Sprintf("[ERROR] Invalid parameters! %s takes %d argument(s) but %d were given.", method, want, got)
}

func errMessageNegativeValidity(seconds float64) string {
	return fmt.Sprintf("[ERROR] The valid time must be greater or equal to 0! Given value: %s.",
		strconv.FormatFloat(seconds, 'f', -1, 64))
}

func messageCreated(name string) string {
	return fmt.Sprintf("[INFO] Successfully created Board '%s'!", name)
}

// Response is the tuple returned for a call. The first element is always a
// success flag and the last a message tagged with a severity marker.
type Response []any

func (r Response) OK() bool {
	ok, _ := r[0].(bool)
	return ok
}

func (r Response) Message() string {
	message, _ := r[len(r)-1].(string)
	return message
}

func failure(message string) Response { return Response{false, message} }

// Caller identifies where a call came from, for auditing.
type Caller struct {
	IP   string
	Port string
}

type Service struct {
	auditor  bbaudit.Auditor
	logger   *logrus.Logger
	methods  map[string]method
	name     string
	registry bbstore.BoardRegistry
	timeNow  func() time.Time
}

type method struct {
	arity int
	call  func(ctx context.Context, args []any) Response
}

func NewService(logger *logrus.Logger, registry bbstore.BoardRegistry, auditor bbaudit.Auditor) *Service {
	s := &Service{
		auditor:  auditor,
		logger:   logger,
		name:     reflect.TypeOf(Service{}).Name(),
		registry: registry,
		timeNow:  time.Now,
	}

	s.methods = map[string]method{
		MethodClearBlackboard: {1, func(ctx context.Context, args []any) Response {
			return s.clearBlackboard(ctx, args[0])
		}},
		MethodCreateBlackboard: {2, func(ctx context.Context, args []any) Response {
			return s.createBlackboard(ctx, args[0], args[1])
		}},
		MethodDeleteAllBlackboards: {0, func(ctx context.Context, args []any) Response {
			return s.deleteAllBlackboards(ctx)
		}},
		MethodDeleteBlackboard: {1, func(ctx context.Context, args []any) Response {
			return s.deleteBlackboard(ctx, args[0])
		}},
		MethodDisplayBlackboard: {2, func(ctx context.Context, args []any) Response {
			return s.displayBlackboard(ctx, args[0], args[1])
		}},
		MethodGetBlackboardStatus: {1, func(ctx context.Context, args []any) Response {
			return s.getBlackboardStatus(ctx, args[0])
		}},
		MethodListBlackboards: {0, func(ctx context.Context, args []any) Response {
			return s.listBlackboards(ctx)
		}},
		MethodReadBlackboard: {1, func(ctx context.Context, args []any) Response {
			return s.readBlackboard(ctx, args[0])
		}},
	}

	return s
}

// Call dispatches a call by method name. ErrUnknownMethod is the only error
// returned; every other failure is reported in the response tuple.
func (s *Service) Call(ctx context.Context, caller Caller, methodName string, args []any) (Response, error) {
	m, ok := s.methods[methodName]
	if !ok {
		return nil, xerrors.Errorf("%q: %w", methodName, ErrUnknownMethod)
	}

	var resp Response
	if len(args) != m.arity {
		resp = failure(errMessageArity(methodName, m.arity, len(args)))
	} else {
		resp = m.call(ctx, args)
	}

	s.audit(caller, methodName, args, resp)
	return resp, nil
}

// HasMethod reports whether methodName can be passed to Call.
func (s *Service) HasMethod(methodName string) bool {
	_, ok := s.methods[methodName]
	return ok
}

func (s *Service) CreateBlackboard(ctx context.Context, caller Caller, name, validSeconds any) Response {
	resp := s.createBlackboard(ctx, name, validSeconds)
	s.audit(caller, MethodCreateBlackboard, []any{name, validSeconds}, resp)
	return resp
}

func (s *Service) DisplayBlackboard(ctx context.Context, caller Caller, name, data any) Response {
	resp := s.displayBlackboard(ctx, name, data)
	s.audit(caller, MethodDisplayBlackboard, []any{name, data}, resp)
	return resp
}

func (s *Service) ClearBlackboard(ctx context.Context, caller Caller, name any) Response {
	resp := s.clearBlackboard(ctx, name)
	s.audit(caller, MethodClearBlackboard, []any{name}, resp)
	return resp
}

func (s *Service) ReadBlackboard(ctx context.Context, caller Caller, name any) Response {
	resp := s.readBlackboard(ctx, name)
	s.audit(caller, MethodReadBlackboard, []any{name}, resp)
	return resp
}

func (s *Service) GetBlackboardStatus(ctx context.Context, caller Caller, name any) Response {
	resp := s.getBlackboardStatus(ctx, name)
	s.audit(caller, MethodGetBlackboardStatus, []any{name}, resp)
	return resp
}

func (s *Service) ListBlackboards(ctx context.Context, caller Caller) Response {
	resp := s.listBlackboards(ctx)
	s.audit(caller, MethodListBlackboards, nil, resp)
	return resp
}

func (s *Service) DeleteBlackboard(ctx context.Context, caller Caller, name any) Response {
	resp := s.deleteBlackboard(ctx, name)
	s.audit(caller, MethodDeleteBlackboard, []any{name}, resp)
	return resp
}

func (s *Service) DeleteAllBlackboards(ctx context.Context, caller Caller) Response {
	resp := s.deleteAllBlackboards(ctx)
	s.audit(caller, MethodDeleteAllBlackboards, nil, resp)
	return resp
}

func (s *Service) createBlackboard(ctx context.Context, nameArg, validSecondsArg any) Response {
	name, err := coerceString(nameArg)
	if err != nil {
		return failure(ErrMessageInvalidName)
	}

	seconds, err := coerceSeconds(validSecondsArg)
	if err != nil {
		return failure(ErrMessageInvalidValid)
	}

	validity, err := bbstore.ValidityFromSeconds(seconds)
	if err != nil {
		var negErr *bbstore.NegativeValidityError
		if errors.As(err, &negErr) {
			return failure(errMessageNegativeValidity(negErr.Seconds))
		}
		return failure(ErrMessageInvalidValid)
	}

	if err := s.registry.Create(ctx, name, validity); err != nil {
		switch {
		case errors.Is(err, bbstore.ErrAlreadyExists):
			return failure(errMessageAlreadyExists(name))
		case errors.Is(err, bbstore.ErrBusy):
			return failure(ErrMessageTimeoutCreate)
		}
		return s.internalError(err)
	}

	return Response{true, messageCreated(name)}
}

func (s *Service) displayBlackboard(ctx context.Context, nameArg, dataArg any) Response {
	name, err := coerceString(nameArg)
	if err != nil {
		return failure(ErrMessageInvalidName)
	}

	data, err := coerceString(dataArg)
	if err != nil {
		return failure(ErrMessageInvalidData)
	}

	if err := s.registry.Write(ctx, name, data); err != nil {
		return s.boardError(err, ErrMessageTimeoutUpdate)
	}

	return Response{true, MessageBoardUpdated}
}

func (s *Service) clearBlackboard(ctx context.Context, nameArg any) Response {
	name, err := coerceString(nameArg)
	if err != nil {
		return failure(ErrMessageInvalidName)
	}

	if err := s.registry.Clear(ctx, name); err != nil {
		return s.boardError(err, ErrMessageTimeoutClear)
	}

	return Response{true, MessageBoardCleared}
}

func (s *Service) readBlackboard(ctx context.Context, nameArg any) Response {
	name, err := coerceString(nameArg)
	if err != nil {
		return failure(ErrMessageInvalidName)
	}

	res, err := s.registry.Read(ctx, name)
	if err != nil {
		return s.boardError(err, ErrMessageTimeoutRead)
	}

	switch res.Kind {
	case bbstore.ReadKindEmpty:
		return Response{true, nil, false, MessageReadEmpty}
	case bbstore.ReadKindInvalid:
		return Response{true, res.Payload, false, MessageReadInvalid}
	default:
		return Response{true, res.Payload, true, MessageReadValid}
	}
}

func (s *Service) getBlackboardStatus(ctx context.Context, nameArg any) Response {
	name, err := coerceString(nameArg)
	if err != nil {
		return failure(ErrMessageInvalidName)
	}

	status, err := s.registry.Status(ctx, name)
	if err != nil {
		return s.boardError(err, ErrMessageTimeoutRead)
	}

	return Response{true, status.Empty, epochSeconds(status.LastWriteTime), status.Valid, MessageStatusRead}
}

func (s *Service) listBlackboards(ctx context.Context) Response {
	names, err := s.registry.List(ctx)
	if err != nil {
		if errors.Is(err, bbstore.ErrBusy) {
			return failure(ErrMessageTimeoutList)
		}
		return s.internalError(err)
	}

	if len(names) == 0 {
		return Response{true, []string{}, MessageListEmpty}
	}
	return Response{true, names, MessageListRead}
}

func (s *Service) deleteBlackboard(ctx context.Context, nameArg any) Response {
	name, err := coerceString(nameArg)
	if err != nil {
		return failure(ErrMessageInvalidName)
	}

	if err := s.registry.Delete(ctx, name); err != nil {
		return s.boardError(err, ErrMessageTimeoutDelete)
	}

	return Response{true, MessageBoardDeleted}
}

func (s *Service) deleteAllBlackboards(ctx context.Context) Response {
	if err := s.registry.DeleteAll(ctx); err != nil {
		if errors.Is(err, bbstore.ErrBusy) {
			return failure(ErrMessageTimeoutDeleteAll)
		}
		return s.internalError(err)
	}

	return Response{true, MessageBoardsDeleted}
}

// Maps the errors common to operations on a single named board.
func (s *Service) boardError(err error, timeoutMessage string) Response {
	switch {
	case errors.Is(err, bbstore.ErrNotFound):
		return failure(ErrMessageNotFound)
	case errors.Is(err, bbstore.ErrBusy):
		return failure(timeoutMessage)
	}
	return s.internalError(err)
}

func (s *Service) internalError(err error) Response {
	s.logger.Errorf(s.name+": Internal error: %v", err)
	return failure(ErrMessageInternalError)
}

func (s *Service) audit(caller Caller, methodName string, args []any, resp Response) {
	if s.auditor == nil {
		return
	}

	s.auditor.Record(&bbaudit.Record{
		Timestamp: s.timeNow(),
		Event:     bbaudit.EventMethodCall,
		IP:        caller.IP,
		Port:      caller.Port,
		Method:    methodName,
		Arguments: bbaudit.FormatTuple(args...),
		Result:    bbaudit.FormatTuple(resp...),
	})
}

// Decimal seconds since the epoch, to microsecond precision.
func epochSeconds(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1e6
}
