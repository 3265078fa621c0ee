package overlay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/nostrlayer/relaykit/crypto"
	"github.com/nostrlayer/relaykit/event"
	"github.com/nostrlayer/relaykit/filter"
	"github.com/nostrlayer/relaykit/pool"
)

// NWCURI is a parsed nostr+walletconnect://<wallet_pubkey>?relay=...
// &secret=... connection string, per spec §4.G/NIP-47.
type NWCURI struct {
	WalletPubkey string
	Relay        string
	Secret       string
}

// ParseNWCURI parses a nostr+walletconnect:// URI, grounded on
// other_examples' ParseNWCURI shape.
func ParseNWCURI(raw string) (*NWCURI, error) {
	const scheme = "nostr+walletconnect://"
	if !strings.HasPrefix(raw, scheme) {
		return nil, fmt.Errorf("nwc uri: missing %s scheme", scheme)
	}
	// net/url can't parse a "+" scheme directly; substitute one it accepts.
	parseable := "https://" + strings.TrimPrefix(raw, scheme)
	u, err := url.Parse(parseable)
	if err != nil {
		return nil, fmt.Errorf("nwc uri: %w", err)
	}
	walletPubkey := u.Host
	if len(walletPubkey) != 64 {
		return nil, fmt.Errorf("nwc uri: wallet pubkey must be 64 hex characters")
	}
	relay := u.Query().Get("relay")
	if relay == "" {
		return nil, fmt.Errorf("nwc uri: relay parameter is required")
	}
	if !strings.HasPrefix(relay, "ws://") && !strings.HasPrefix(relay, "wss://") {
		return nil, fmt.Errorf("nwc uri: relay must be ws:// or wss://")
	}
	secret := u.Query().Get("secret")
	if secret == "" {
		return nil, fmt.Errorf("nwc uri: secret parameter is required")
	}
	return &NWCURI{WalletPubkey: walletPubkey, Relay: relay, Secret: secret}, nil
}

// NWCError is the wallet's structured error payload.
type NWCError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PayInvoiceResult is the result of a successful pay_invoice call.
type PayInvoiceResult struct {
	Preimage string `json:"preimage"`
}

// BalanceResult is the result of get_balance, in millisatoshis.
type BalanceResult struct {
	Balance int64 `json:"balance"`
}

// Transaction is one entry from list_transactions.
type Transaction struct {
	Type            string `json:"type"`
	Invoice         string `json:"invoice,omitempty"`
	Description     string `json:"description,omitempty"`
	DescriptionHash string `json:"description_hash,omitempty"`
	Preimage        string `json:"preimage,omitempty"`
	PaymentHash     string `json:"payment_hash,omitempty"`
	Amount          int64  `json:"amount"`
	FeesPaid        int64  `json:"fees_paid,omitempty"`
	CreatedAt       int64  `json:"created_at"`
	SettledAt       int64  `json:"settled_at,omitempty"`
}

// Notification is an unsolicited wallet event (e.g. payment_received).
type Notification struct {
	Type  string          `json:"notification_type"`
	Notif json.RawMessage `json:"notification"`
}

// NotificationHandler receives dispatched wallet notifications.
type NotificationHandler func(Notification)

// Wallet is a NIP-47 Nostr Wallet Connect client session.
type Wallet struct {
	session    *peerSession
	clientPriv string
	clientPub  string
	pool       *pool.Pool
	crypto     crypto.Crypto

	notifyMu      sync.Mutex
	notifyHandler NotificationHandler
	notifyCancel  context.CancelFunc
}

// ConnectWallet implements spec §4.G's wallet-connect flow: derive the
// client keypair from the URI secret, add the relay, and prepare the
// request/response session. The wallet side requires no explicit
// connect handshake (unlike NIP-46's bunker flow).
func ConnectWallet(ctx context.Context, p *pool.Pool, cr crypto.Crypto, uriStr string, limiter *RateLimiter) (*Wallet, error) {
	uri, err := ParseNWCURI(uriStr)
	if err != nil {
		return nil, err
	}
	_ = p.Add(uri.Relay, pool.DefaultMetadata())
	_ = p.Connect(uri.Relay)

	clientPub, err := cr.PublicKey(uri.Secret)
	if err != nil {
		return nil, fmt.Errorf("derive client pubkey from secret: %w", err)
	}

	w := &Wallet{
		session:    newPeerSession(p, cr, uri.Secret, clientPub, uri.WalletPubkey, DefaultRequestTimeout, limiter),
		clientPriv: uri.Secret,
		clientPub:  clientPub,
		pool:       p,
		crypto:     cr,
	}
	w.session.listen(ctx, KindNWCResponse)
	return w, nil
}

// Subscribe starts dispatching unsolicited notifications to handler,
// per spec §4.G rule 4.
func (w *Wallet) Subscribe(ctx context.Context, handler NotificationHandler) {
	w.notifyMu.Lock()
	w.notifyHandler = handler
	ctx, cancel := context.WithCancel(ctx)
	w.notifyCancel = cancel
	w.notifyMu.Unlock()

	f := filter.Filter{
		Authors: []string{w.session.peerPubkey},
		Kinds:   []event.Kind{KindNWCNotification},
		Tags:    map[string][]string{"p": {w.clientPub}},
	}
	ps := w.pool.Subscribe(ctx, []filter.Filter{f}, pool.NewSubID())
	go func() {
		defer ps.Close()
		for {
			select {
			case ev, ok := <-ps.Events():
				if !ok {
					return
				}
				w.dispatchNotification(ev)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (w *Wallet) dispatchNotification(ev event.Event) {
	plaintext, err := w.session.decrypt(ev.Content)
	if err != nil {
		return
	}
	var n Notification
	if err := json.Unmarshal([]byte(plaintext), &n); err != nil {
		return
	}
	w.notifyMu.Lock()
	handler := w.notifyHandler
	w.notifyMu.Unlock()
	if handler != nil {
		handler(n)
	}
}

// call sends a NIP-47 method request and unmarshals the result into out
// (pass nil if the method has no result payload), surfacing any wallet
// NWCError as a Go error.
func (w *Wallet) call(ctx context.Context, method string, params, out interface{}) error {
	var raw json.RawMessage
	if params != nil {
		p, err := json.Marshal(params)
		if err != nil {
			return err
		}
		raw = p
	}
	resp, err := w.session.call(ctx, method, raw, KindNWCRequest)
	if err != nil {
		return err
	}
	if len(resp.Error) > 0 {
		var nerr NWCError
		if err := json.Unmarshal(resp.Error, &nerr); err == nil && nerr.Message != "" {
			return fmt.Errorf("nwc: %s: %s", nerr.Code, nerr.Message)
		}
		return fmt.Errorf("nwc: request failed")
	}
	if out != nil && len(resp.Result) > 0 {
		return json.Unmarshal(resp.Result, out)
	}
	return nil
}

// PayInvoice requests payment of a BOLT11 invoice.
func (w *Wallet) PayInvoice(ctx context.Context, invoice string) (*PayInvoiceResult, error) {
	var out PayInvoiceResult
	if err := w.call(ctx, "pay_invoice", map[string]string{"invoice": invoice}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetBalance returns the wallet's balance in millisatoshis.
func (w *Wallet) GetBalance(ctx context.Context) (*BalanceResult, error) {
	var out BalanceResult
	if err := w.call(ctx, "get_balance", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListTransactions returns the wallet's transaction history.
func (w *Wallet) ListTransactions(ctx context.Context) ([]Transaction, error) {
	var out struct {
		Transactions []Transaction `json:"transactions"`
	}
	if err := w.call(ctx, "list_transactions", nil, &out); err != nil {
		return nil, err
	}
	return out.Transactions, nil
}

// Close tears down the wallet session's subscriptions.
func (w *Wallet) Close() {
	w.session.close()
	w.notifyMu.Lock()
	cancel := w.notifyCancel
	w.notifyMu.Unlock()
	if cancel != nil {
		cancel()
	}
}
