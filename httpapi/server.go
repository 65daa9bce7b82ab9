package httpapi

import (
	"context"
	"net/http"
	"os"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"harvestpay/dispute"
	"harvestpay/ledger"
	"harvestpay/settlement"
)

// SettlementEngine is the subset of engine operations the HTTP layer exposes.
type SettlementEngine interface {
	OnPaymentConfirmed(ctx context.Context, evt settlement.PaymentConfirmed) (ledger.Entry, error)
	OnUpfrontSettled(ctx context.Context, orderID, paymentRef string) (ledger.Entry, error)
	OnDeliveryConfirmed(ctx context.Context, orderID string) (ledger.Entry, error)
	OnDisputeRaised(ctx context.Context, orderID, reason string) (ledger.Entry, error)
	OnDisputeResolved(ctx context.Context, orderID string, winner settlement.Party) (ledger.Entry, error)
	GetEscrowByOrder(ctx context.Context, orderID string) (ledger.Entry, error)
}

// Server maps the settlement event contracts onto HTTP routes. The transport
// is deliberately thin: all state logic lives in the engine.
type Server struct {
	engine        SettlementEngine
	disputes      dispute.Lister
	webhookSecret []byte
	log           *zap.Logger
}

func NewServer(engine SettlementEngine, disputes dispute.Lister, webhookSecret string, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		engine:        engine,
		disputes:      disputes,
		webhookSecret: []byte(webhookSecret),
		log:           log,
	}
}

// Router wires all routes with request logging and CORS.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "harvestpay"})
	})

	// Gateway webhooks carry a signed token; everything else is fronted by
	// the marketplace's own gateway.
	wh := r.PathPrefix("/v1/webhooks").Subrouter()
	wh.Use(s.verifyWebhook)
	wh.HandleFunc("/payment-confirmed", s.handlePaymentConfirmed).Methods(http.MethodPost)
	wh.HandleFunc("/upfront-settled", s.handleUpfrontSettled).Methods(http.MethodPost)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/orders/{orderID}/delivery-confirmation", s.handleDeliveryConfirmed).Methods(http.MethodPost)
	v1.HandleFunc("/orders/{orderID}/dispute", s.handleDisputeRaised).Methods(http.MethodPost)
	v1.HandleFunc("/orders/{orderID}/dispute/resolution", s.handleDisputeResolved).Methods(http.MethodPost)
	v1.HandleFunc("/orders/{orderID}/escrow", s.handleGetEscrow).Methods(http.MethodGet)
	v1.HandleFunc("/admin/disputes", s.handleListDisputes).Methods(http.MethodGet)

	header := handlers.AllowedHeaders([]string{"X-Requested-With", "Content-Type", "Authorization"})
	methods := handlers.AllowedMethods([]string{"GET", "POST", "OPTIONS"})
	origins := handlers.AllowedOrigins([]string{"*"})

	return handlers.CORS(header, methods, origins)(handlers.LoggingHandler(os.Stdout, r))
}
