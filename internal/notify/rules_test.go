package notify

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/osama-agency/telesklad-sub000/internal/orders"
	"github.com/osama-agency/telesklad-sub000/internal/storage"
	"github.com/osama-agency/telesklad-sub000/internal/transport"
	"github.com/osama-agency/telesklad-sub000/pkg/logx"
	"github.com/osama-agency/telesklad-sub000/pkg/tghtml"
)

type sentMsg struct {
	chatID  int64
	text    string
	buttons [][]transport.Button
}

// fakeClient records sends and deletes, optionally failing sends.
type fakeClient struct {
	sent    []sentMsg
	deleted []transport.MessageRef
	sendErr error
	nextID  int
}

func (f *fakeClient) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	if f.sendErr != nil {
		return transport.MessageRef{}, f.sendErr
	}
	var buttons [][]transport.Button
	parseMode := ""
	if opt != nil {
		buttons = opt.Buttons
		parseMode = opt.ParseMode
	}
	// Mirror the real client: over-limit text goes out in chunks, buttons
	// attach to the final chunk, and the returned ref is the final chunk's.
	var ref transport.MessageRef
	chunks := tghtml.SplitText(text, tghtml.DefaultTextLimit, parseMode)
	for i, chunk := range chunks {
		msg := sentMsg{chatID: to.ChatID, text: chunk}
		if i == len(chunks)-1 {
			msg.buttons = buttons
		}
		f.sent = append(f.sent, msg)
		f.nextID++
		ref = transport.MessageRef{ChatID: to.ChatID, MessageID: f.nextID}
	}
	return ref, nil
}

func (f *fakeClient) DeleteMessage(ctx context.Context, ref transport.MessageRef) error {
	f.deleted = append(f.deleted, ref)
	return nil
}

// fakeOrderStore serves a fixed set of orders.
type fakeOrderStore struct {
	orders  map[int64]orders.Order
	lastSet map[int64]int
}

func newFakeOrderStore(os ...orders.Order) *fakeOrderStore {
	f := &fakeOrderStore{orders: map[int64]orders.Order{}, lastSet: map[int64]int{}}
	for _, o := range os {
		f.orders[o.ID] = o
	}
	return f
}

func (f *fakeOrderStore) GetOrder(ctx context.Context, id int64) (orders.Order, error) {
	o, ok := f.orders[id]
	if !ok {
		return orders.Order{}, storage.ErrNotFound
	}
	return o, nil
}

func (f *fakeOrderStore) CreateOrder(ctx context.Context, o orders.Order) (orders.Order, error) {
	f.orders[o.ID] = o
	return o, nil
}

func (f *fakeOrderStore) UpdateOrderStatus(ctx context.Context, id int64, status orders.Status, upd orders.StatusUpdate) (orders.Order, error) {
	o, ok := f.orders[id]
	if !ok {
		return orders.Order{}, storage.ErrNotFound
	}
	o.Status = status
	if upd.TrackingNumber != nil {
		o.TrackingNumber = *upd.TrackingNumber
	}
	f.orders[id] = o
	return o, nil
}

func (f *fakeOrderStore) SetLastMessageID(ctx context.Context, orderID int64, messageID int) error {
	o, ok := f.orders[orderID]
	if !ok {
		return storage.ErrNotFound
	}
	o.LastMessageID = messageID
	f.orders[orderID] = o
	f.lastSet[orderID] = messageID
	return nil
}

func newTestRules(store *fakeOrderStore) (*Rules, *fakeClient, *fakeClient) {
	customer := &fakeClient{}
	staff := &fakeClient{}
	d := NewDispatcher(customer, staff, Recipients{AdminChatID: -100, CourierChatID: -200}, logx.Nop())
	return NewRules(d, store, logx.Nop()), customer, staff
}

func TestOnTransitionUnpaidNotifiesCustomerOnly(t *testing.T) {
	t.Parallel()
	o := orders.Order{ID: 1, UserID: 500, Status: orders.StatusUnpaid, Total: 1990}
	store := newFakeOrderStore(o)
	r, customer, staff := newTestRules(store)

	if err := r.OnTransition(context.Background(), o, ""); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if len(customer.sent) != 1 {
		t.Fatalf("customer sends = %d, want 1", len(customer.sent))
	}
	if len(staff.sent) != 0 {
		t.Fatalf("staff sends = %d, want 0", len(staff.sent))
	}
	msg := customer.sent[0]
	if msg.chatID != 500 {
		t.Fatalf("customer chat = %d", msg.chatID)
	}
	if !strings.Contains(msg.text, "Order #1") {
		t.Fatalf("text = %q", msg.text)
	}
	if len(msg.buttons) != 1 || msg.buttons[0][0].Callback != "order:paid:1" {
		t.Fatalf("buttons = %#v", msg.buttons)
	}
	if store.lastSet[1] == 0 {
		t.Fatal("last message id not persisted")
	}
}

func TestOnTransitionPaidRoutesAdminAndCustomer(t *testing.T) {
	t.Parallel()
	o := orders.Order{ID: 2, UserID: 600, Status: orders.StatusPaid, Total: 990}
	store := newFakeOrderStore(o)
	r, customer, staff := newTestRules(store)

	if err := r.OnTransition(context.Background(), o, orders.StatusUnpaid); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if len(staff.sent) != 1 || staff.sent[0].chatID != -100 {
		t.Fatalf("staff sends = %#v", staff.sent)
	}
	if staff.sent[0].buttons[0][0].Callback != "order:approve:2" {
		t.Fatalf("staff buttons = %#v", staff.sent[0].buttons)
	}
	if len(customer.sent) != 1 || customer.sent[0].chatID != 600 {
		t.Fatalf("customer sends = %#v", customer.sent)
	}
}

func TestOnTransitionProcessingRoutesCourier(t *testing.T) {
	t.Parallel()
	o := orders.Order{ID: 3, UserID: 700, Status: orders.StatusProcessing}
	store := newFakeOrderStore(o)
	r, _, staff := newTestRules(store)

	if err := r.OnTransition(context.Background(), o, orders.StatusPaid); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if len(staff.sent) != 1 || staff.sent[0].chatID != -200 {
		t.Fatalf("courier chat: %#v", staff.sent)
	}
}

func TestOnTransitionShippedIncludesTracking(t *testing.T) {
	t.Parallel()
	o := orders.Order{ID: 4, UserID: 800, Status: orders.StatusShipped, TrackingNumber: "TRK-42"}
	store := newFakeOrderStore(o)
	r, customer, staff := newTestRules(store)

	if err := r.OnTransition(context.Background(), o, orders.StatusProcessing); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if !strings.Contains(customer.sent[0].text, "<code>TRK-42</code>") {
		t.Fatalf("customer text = %q", customer.sent[0].text)
	}
	if !strings.Contains(staff.sent[0].text, "TRK-42") {
		t.Fatalf("staff text = %q", staff.sent[0].text)
	}
}

func TestOnTransitionDeliveredIsSilent(t *testing.T) {
	t.Parallel()
	o := orders.Order{ID: 5, UserID: 900, Status: orders.StatusDelivered}
	store := newFakeOrderStore(o)
	r, customer, staff := newTestRules(store)

	if err := r.OnTransition(context.Background(), o, orders.StatusShipped); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if len(customer.sent) != 0 || len(staff.sent) != 0 {
		t.Fatalf("delivered produced messages: %d customer, %d staff", len(customer.sent), len(staff.sent))
	}
}

func TestOnTransitionRefundedIsAdminOnly(t *testing.T) {
	t.Parallel()
	o := orders.Order{ID: 6, UserID: 901, Status: orders.StatusRefunded, Total: 500}
	store := newFakeOrderStore(o)
	r, customer, staff := newTestRules(store)

	if err := r.OnTransition(context.Background(), o, orders.StatusPaid); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if len(staff.sent) != 1 || len(customer.sent) != 0 {
		t.Fatalf("refunded sends: %d staff, %d customer", len(staff.sent), len(customer.sent))
	}
}

func TestOnTransitionSameStatusIsNoop(t *testing.T) {
	t.Parallel()
	o := orders.Order{ID: 7, UserID: 902, Status: orders.StatusUnpaid}
	store := newFakeOrderStore(o)
	r, customer, _ := newTestRules(store)

	if err := r.OnTransition(context.Background(), o, orders.StatusUnpaid); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if len(customer.sent) != 0 {
		t.Fatalf("no-op transition sent %d messages", len(customer.sent))
	}
}

func TestOnTransitionStaleSnapshotSkips(t *testing.T) {
	t.Parallel()
	// The stored row has already moved to message 9; the snapshot carries 0.
	stored := orders.Order{ID: 8, UserID: 903, Status: orders.StatusUnpaid, LastMessageID: 9}
	store := newFakeOrderStore(stored)
	r, customer, _ := newTestRules(store)

	snapshot := stored
	snapshot.LastMessageID = 0
	if err := r.OnTransition(context.Background(), snapshot, ""); err != nil {
		t.Fatalf("stale transition: %v", err)
	}
	if len(customer.sent) != 0 {
		t.Fatalf("stale snapshot sent %d messages", len(customer.sent))
	}
}

func TestOnTransitionIdempotentDoubleCall(t *testing.T) {
	t.Parallel()
	o := orders.Order{ID: 9, UserID: 904, Status: orders.StatusUnpaid, Total: 100}
	store := newFakeOrderStore(o)
	r, customer, _ := newTestRules(store)
	ctx := context.Background()

	if err := r.OnTransition(ctx, o, ""); err != nil {
		t.Fatalf("first call: %v", err)
	}
	// A retry re-delivers the same snapshot; the stored last message id has
	// moved on, so the second call is a no-op.
	if err := r.OnTransition(ctx, o, ""); err != nil {
		t.Fatalf("second call: %v", err)
	}
	if len(customer.sent) != 1 {
		t.Fatalf("customer sends = %d, want exactly 1", len(customer.sent))
	}
}

func TestOnTransitionRetractsPreviousMessage(t *testing.T) {
	t.Parallel()
	o := orders.Order{ID: 10, UserID: 905, Status: orders.StatusPaid, LastMessageID: 33}
	store := newFakeOrderStore(o)
	r, customer, _ := newTestRules(store)

	if err := r.OnTransition(context.Background(), o, orders.StatusUnpaid); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if len(customer.deleted) != 1 || customer.deleted[0].MessageID != 33 {
		t.Fatalf("deleted = %#v", customer.deleted)
	}
	if store.lastSet[10] == 0 || store.lastSet[10] == 33 {
		t.Fatalf("last message id = %d", store.lastSet[10])
	}
}

func TestOnTransitionOversizeTextPersistsFinalChunkID(t *testing.T) {
	t.Parallel()
	// A runaway tracking string pushes the shipped notice well past one
	// Telegram message, so it goes out in three chunks.
	o := orders.Order{
		ID:             13,
		UserID:         908,
		Status:         orders.StatusShipped,
		TrackingNumber: strings.Repeat("TRK0042136 ", 850),
	}
	store := newFakeOrderStore(o)
	r, customer, _ := newTestRules(store)

	if err := r.OnTransition(context.Background(), o, orders.StatusPaid); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if len(customer.sent) != 3 {
		t.Fatalf("customer sends = %d, want 3 chunks", len(customer.sent))
	}
	for i, msg := range customer.sent {
		if n := len([]rune(msg.text)); n > tghtml.DefaultTextLimit {
			t.Fatalf("chunk %d is %d runes, over the limit", i, n)
		}
	}
	// Retraction bookkeeping must point at the final chunk, not the first.
	if store.lastSet[13] != 3 {
		t.Fatalf("last message id = %d, want 3 (final chunk)", store.lastSet[13])
	}
}

func TestOnTransitionCustomerFailureAlertsAdmin(t *testing.T) {
	t.Parallel()
	o := orders.Order{ID: 11, UserID: 906, Status: orders.StatusUnpaid}
	store := newFakeOrderStore(o)

	customer := &fakeClient{sendErr: &transport.DeliveryError{Kind: transport.ErrorBotBlocked, Err: errors.New("forbidden")}}
	staff := &fakeClient{}
	d := NewDispatcher(customer, staff, Recipients{AdminChatID: -100}, logx.Nop())
	r := NewRules(d, store, logx.Nop())

	err := r.OnTransition(context.Background(), o, "")
	if err == nil {
		t.Fatal("expected error from failed customer send")
	}
	if len(staff.sent) != 1 {
		t.Fatalf("admin alerts = %d, want 1", len(staff.sent))
	}
	if !strings.Contains(staff.sent[0].text, "user blocked the bot") {
		t.Fatalf("alert text = %q", staff.sent[0].text)
	}
}

func TestOnTransitionStaffFailureDoesNotBlockCustomer(t *testing.T) {
	t.Parallel()
	o := orders.Order{ID: 12, UserID: 907, Status: orders.StatusPaid}
	store := newFakeOrderStore(o)

	customer := &fakeClient{}
	staff := &fakeClient{sendErr: errors.New("staff chat down")}
	d := NewDispatcher(customer, staff, Recipients{AdminChatID: -100}, logx.Nop())
	r := NewRules(d, store, logx.Nop())

	if err := r.OnTransition(context.Background(), o, orders.StatusUnpaid); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if len(customer.sent) != 1 {
		t.Fatalf("customer sends = %d, want 1", len(customer.sent))
	}
}

func TestSendOpsFallsBackToAdmin(t *testing.T) {
	t.Parallel()
	customer := &fakeClient{}
	staff := &fakeClient{}
	d := NewDispatcher(customer, staff, Recipients{AdminChatID: -100}, logx.Nop())

	if _, err := d.SendOps(context.Background(), tghtml.Esc("report")); err != nil {
		t.Fatalf("send ops: %v", err)
	}
	if len(staff.sent) != 1 || staff.sent[0].chatID != -100 {
		t.Fatalf("ops went to %#v", staff.sent)
	}

	d2 := NewDispatcher(customer, staff, Recipients{AdminChatID: -100, OpsChatID: -300}, logx.Nop())
	if _, err := d2.SendOps(context.Background(), tghtml.Esc("report")); err != nil {
		t.Fatalf("send ops: %v", err)
	}
	if staff.sent[len(staff.sent)-1].chatID != -300 {
		t.Fatalf("dedicated ops chat ignored: %#v", staff.sent)
	}
}
