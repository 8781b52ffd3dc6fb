package messaging

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/BTreeMap/EyeLine/internal/store"
	"github.com/twilio/twilio-go/client"
	"github.com/twilio/twilio-go/twiml"
)

// SignatureHeader carries Twilio's request signature.
const SignatureHeader = "X-Twilio-Signature"

// TwilioOpts holds configuration for the Twilio webhook.
type TwilioOpts struct {
	AuthToken string
	PublicURL string
	Dedup     store.DedupRepo
	Recorder  InboundRecorder
}

// TwilioOption defines a configuration option for the Twilio webhook.
type TwilioOption func(*TwilioOpts)

// WithAuthToken enables signature verification. Without it every request is accepted.
func WithAuthToken(token string) TwilioOption {
	return func(o *TwilioOpts) { o.AuthToken = token }
}

// WithPublicURL sets the externally visible webhook URL used for signature checks
// when the service runs behind a proxy.
func WithPublicURL(url string) TwilioOption {
	return func(o *TwilioOpts) { o.PublicURL = url }
}

// WithDedup answers redelivered MessageSids with an empty reply.
func WithDedup(d store.DedupRepo) TwilioOption {
	return func(o *TwilioOpts) { o.Dedup = d }
}

// WithTwilioRecorder sets the metrics sink.
func WithTwilioRecorder(r InboundRecorder) TwilioOption {
	return func(o *TwilioOpts) { o.Recorder = r }
}

// TwilioWebhook is the http.Handler for Twilio's WhatsApp inbound webhook.
type TwilioWebhook struct {
	handler   Handler
	validator *client.RequestValidator
	publicURL string
	dedup     store.DedupRepo
	recorder  InboundRecorder
}

// NewTwilioWebhook creates the webhook handler.
func NewTwilioWebhook(h Handler, opts ...TwilioOption) *TwilioWebhook {
	var cfg TwilioOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	w := &TwilioWebhook{
		handler:   h,
		publicURL: strings.TrimSpace(cfg.PublicURL),
		dedup:     cfg.Dedup,
		recorder:  cfg.Recorder,
	}
	if cfg.AuthToken != "" {
		v := client.NewRequestValidator(cfg.AuthToken)
		w.validator = &v
	} else {
		slog.Warn("TwilioWebhook: TWILIO_AUTH_TOKEN not set, signature verification is disabled")
	}
	return w
}

// ServeHTTP verifies the request, runs the engine and answers with TwiML.
func (tw *TwilioWebhook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		record(tw.recorder, ChannelTwilio, ResultBadInput)
		http.Error(w, "invalid form body", http.StatusBadRequest)
		return
	}

	if !tw.verify(r) {
		slog.Warn("TwilioWebhook.ServeHTTP: invalid signature", "remote", r.RemoteAddr)
		record(tw.recorder, ChannelTwilio, ResultForbidden)
		http.Error(w, "invalid Twilio signature", http.StatusForbidden)
		return
	}

	from := CanonicalAddress(r.PostForm.Get("From"))
	if from == "" {
		record(tw.recorder, ChannelTwilio, ResultBadInput)
		http.Error(w, "missing From", http.StatusBadRequest)
		return
	}
	body := r.PostForm.Get("Body")
	sid := r.PostForm.Get("MessageSid")
	ctx := r.Context()

	claim, dup := claimInbound(ctx, tw.dedup, sid, from)
	if dup {
		slog.Info("TwilioWebhook.ServeHTTP: duplicate delivery ignored", "sid", sid, "from", from)
		record(tw.recorder, ChannelTwilio, ResultDuplicate)
		writeTwiML(w, "")
		return
	}

	reply, err := tw.handler.Handle(ctx, from, body)
	if err != nil {
		claim.release(ctx)
		slog.Error("TwilioWebhook.ServeHTTP: handling failed", "error", err, "from", from, "sid", sid)
		record(tw.recorder, ChannelTwilio, ResultError)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	claim.done(ctx)
	record(tw.recorder, ChannelTwilio, ResultOK)
	writeTwiML(w, reply)
}

func (tw *TwilioWebhook) verify(r *http.Request) bool {
	if tw.validator == nil {
		return true
	}
	params := make(map[string]string, len(r.PostForm))
	for k, v := range r.PostForm {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	return tw.validator.Validate(tw.requestURL(r), params, r.Header.Get(SignatureHeader))
}

// requestURL is the URL Twilio signed: the configured public URL, or one rebuilt from the request.
func (tw *TwilioWebhook) requestURL(r *http.Request) string {
	if tw.publicURL != "" {
		return tw.publicURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		scheme = strings.TrimSpace(strings.Split(p, ",")[0])
	}
	host := r.Host
	if h := r.Header.Get("X-Forwarded-Host"); h != "" {
		host = strings.TrimSpace(strings.Split(h, ",")[0])
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

// writeTwiML answers with a single message, or an empty Response when reply is empty.
func writeTwiML(w http.ResponseWriter, reply string) {
	var verbs []twiml.Element
	if reply != "" {
		verbs = append(verbs, &twiml.MessagingMessage{Body: reply})
	}
	doc, err := twiml.Messages(verbs)
	if err != nil {
		slog.Error("writeTwiML: failed to render TwiML", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(doc)); err != nil {
		slog.Error("writeTwiML: failed to write response", "error", err)
	}
}
