package engineapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	errMissingBearer           = errors.New("engine-api: missing bearer token")
	errUnexpectedSigningMethod = errors.New("engine-api: unexpected JWT signing method")
	errInvalidToken            = errors.New("engine-api: invalid JWT")
	errTokenExpired            = errors.New("engine-api: JWT iat outside freshness window")
)

// jsonRPCRequest/jsonRPCResponse are the minimal JSON-RPC 2.0 envelope
// the three Engine API methods spec §6 names are served over; batching
// and the non-engine RPC surface are out of scope (spec §1).
type jsonRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *jsonRPCError   `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Server exposes a Driver over HTTP: chi for routing/CORS, a JWT
// bearer check on every request per the Engine API's authenticated
// transport requirement (spec §6 "engine-API transport"), and a
// request-scoped UUID attached to every log line for correlation.
type Server struct {
	driver    *Driver
	jwtSecret []byte
	log       *zap.Logger
	router    chi.Router
}

func NewServer(driver *Driver, jwtSecret []byte, log *zap.Logger) *Server {
	s := &Server{driver: driver, jwtSecret: jwtSecret, log: log}
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"POST"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}))
	r.Post("/", s.handleRPC)
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	reqID := uuid.NewString()
	log := s.log.With(zap.String("request_id", reqID))

	if err := s.checkJWT(r); err != nil {
		log.Warn("engine-api: rejected unauthenticated request", zap.Error(err))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req jsonRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONRPCError(w, nil, -32700, "parse error")
		return
	}

	result, rpcErr := s.dispatch(r.Context(), req.Method, req.Params)
	if rpcErr != nil {
		log.Warn("engine-api: method error", zap.String("method", req.Method), zap.Error(rpcErr))
		writeJSONRPCError(w, req.ID, -32000, rpcErr.Error())
		return
	}
	writeJSONRPCResult(w, req.ID, result)
}

// checkJWT enforces the Engine API's shared-secret bearer auth: the
// `Authorization: Bearer <jwt>` header must carry a token signed with
// s.jwtSecret and an `iat` within 60s of now, matching the freshness
// window the Engine API spec's JWT profile defines.
func (s *Server) checkJWT(r *http.Request) error {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return errMissingBearer
	}
	raw := strings.TrimPrefix(auth, prefix)

	token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errUnexpectedSigningMethod
		}
		return s.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return errInvalidToken
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return errInvalidToken
	}
	iat, ok := claims["iat"].(float64)
	if !ok {
		return errInvalidToken
	}
	skew := time.Since(time.Unix(int64(iat), 0))
	if skew < -60*time.Second || skew > 60*time.Second {
		return errTokenExpired
	}
	return nil
}

// dispatch maps the three Engine API JSON-RPC methods spec §6
// names onto Driver calls; any other method name is a method-not-found
// error, and getPayloadVN's single positional PayloadID param is
// decoded from its 0x-hex wire form.
func (s *Server) dispatch(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
	switch {
	case strings.HasPrefix(method, "engine_newPayloadV"):
		var args [1]*ExecutionPayload
		if err := json.Unmarshal(params, &args); err != nil {
			return nil, err
		}
		return s.driver.NewPayload(ctx, args[0])

	case strings.HasPrefix(method, "engine_forkchoiceUpdatedV"):
		var args [2]json.RawMessage
		if err := json.Unmarshal(params, &args); err != nil {
			return nil, err
		}
		var state ForkChoiceState
		if err := json.Unmarshal(args[0], &state); err != nil {
			return nil, err
		}
		var attrs *PayloadAttributes
		if len(args[1]) > 0 && string(args[1]) != "null" {
			attrs = new(PayloadAttributes)
			if err := json.Unmarshal(args[1], attrs); err != nil {
				return nil, err
			}
		}
		return s.driver.ForkchoiceUpdated(ctx, &state, attrs)

	case strings.HasPrefix(method, "engine_getPayloadV"):
		var args [1]PayloadID
		if err := json.Unmarshal(params, &args); err != nil {
			return nil, err
		}
		return s.driver.GetPayload(args[0])

	default:
		return nil, errMethodNotFound
	}
}

var errMethodNotFound = errors.New("engine-api: method not found")

func writeJSONRPCResult(w http.ResponseWriter, id json.RawMessage, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(jsonRPCResponse{JSONRPC: "2.0", ID: id, Result: result})
}

func writeJSONRPCError(w http.ResponseWriter, id json.RawMessage, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(jsonRPCResponse{JSONRPC: "2.0", ID: id, Error: &jsonRPCError{Code: code, Message: msg}})
}
