package grpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/textproto"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/vorpalengineering/x402-gateway/resource/middleware"
	"github.com/vorpalengineering/x402-gateway/utils"
)

// WithPaymentHeaders returns the ServeMux options that carry the payment
// handshake across a grpc-gateway: the payment header is forwarded as
// metadata, settlement metadata comes back as HTTP headers and a payment
// challenge is answered with a 402.
func WithPaymentHeaders() []runtime.ServeMuxOption {
	return []runtime.ServeMuxOption{
		runtime.WithIncomingHeaderMatcher(IncomingHeaderMatcher),
		runtime.WithOutgoingHeaderMatcher(OutgoingHeaderMatcher),
		runtime.WithErrorHandler(PaymentErrorHandler),
	}
}

// IncomingHeaderMatcher forwards the payment header as x-payment metadata.
func IncomingHeaderMatcher(key string) (string, bool) {
	if textproto.CanonicalMIMEHeaderKey(key) == textproto.CanonicalMIMEHeaderKey(middleware.DefaultPaymentHeaderName) {
		return MetadataKeyPayment, true
	}
	return runtime.DefaultHeaderMatcher(key)
}

// OutgoingHeaderMatcher exposes settlement metadata under the HTTP header
// names the middleware uses.
func OutgoingHeaderMatcher(key string) (string, bool) {
	switch key {
	case MetadataKeyPaymentResponse:
		return middleware.PaymentResponseHeader, true
	case MetadataKeySettlementError:
		return middleware.SettlementErrorHeader, true
	}
	return runtime.MetadataHeaderPrefix + key, true
}

// PaymentErrorHandler turns a payment challenge from the interceptor into a
// 402 with the PaymentRequired body. Other errors go to the default handler.
func PaymentErrorHandler(ctx context.Context, mux *runtime.ServeMux, marshaler runtime.Marshaler, w http.ResponseWriter, r *http.Request, err error) {
	md, ok := runtime.ServerMetadataFromContext(ctx)
	if ok {
		if values := md.TrailerMD.Get(MetadataKeyPaymentRequired); len(values) > 0 {
			if challenge, decodeErr := utils.DecodePaymentRequiredHeader(values[0]); decodeErr == nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusPaymentRequired)
				_ = json.NewEncoder(w).Encode(challenge)
				return
			}
		}
	}
	runtime.DefaultHTTPErrorHandler(ctx, mux, marshaler, w, r, err)
}
