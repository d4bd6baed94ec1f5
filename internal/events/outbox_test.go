package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	pgxmock "github.com/pashagolub/pgxmock/v4"
)

func TestOutboxStoreFlow(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	store := NewOutboxStore(mock)

	mock.ExpectExec("INSERT INTO outbox").WithArgs(pgxmock.AnyArg(), "apt-1", TypeAppointmentBooked, pgxmock.AnyArg()).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	if _, err := store.Insert(context.Background(), "apt-1", TypeAppointmentBooked, map[string]string{"foo": "bar"}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	now := time.Now().UTC()
	id := uuid.New()
	rows := pgxmock.NewRows([]string{"id", "aggregate_id", "type", "payload", "created_at"}).AddRow(id, "apt-1", TypeAppointmentBooked, []byte("{\"foo\":\"bar\"}"), now)
	mock.ExpectQuery("SELECT id").WithArgs(int32(10)).WillReturnRows(rows)

	entries, err := store.FetchPending(context.Background(), 10)
	if err != nil {
		t.Fatalf("fetch pending failed: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != id || entries[0].AggregateID != "apt-1" {
		t.Fatalf("unexpected entries: %#v", entries)
	}

	mock.ExpectExec("UPDATE outbox").WithArgs(id).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	ok, err := store.MarkDelivered(context.Background(), id)
	if err != nil {
		t.Fatalf("mark delivered failed: %v", err)
	}
	if !ok {
		t.Fatal("expected mark delivered to report success")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestOutboxStoreJoinsTransaction(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO outbox").WithArgs(pgxmock.AnyArg(), "sub-1", TypeSubscriptionChanged, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectRollback()

	tx, err := mock.Begin(context.Background())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := NewOutboxStore(tx).Insert(context.Background(), "sub-1", TypeSubscriptionChanged, struct{}{}); err != nil {
		t.Fatalf("insert in tx: %v", err)
	}
	_ = tx.Rollback(context.Background())

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

type fakePending struct {
	entries   []OutboxEntry
	delivered []uuid.UUID
}

func (f *fakePending) FetchPending(context.Context, int32) ([]OutboxEntry, error) {
	return f.entries, nil
}

func (f *fakePending) MarkDelivered(_ context.Context, id uuid.UUID) (bool, error) {
	f.delivered = append(f.delivered, id)
	return true, nil
}

type fakeHandler struct {
	failType string
	handled  []string
}

func (h *fakeHandler) Handle(_ context.Context, entry OutboxEntry) error {
	if entry.Type == h.failType {
		return errors.New("downstream unavailable")
	}
	h.handled = append(h.handled, entry.Type)
	return nil
}

func TestDelivererSkipsFailedEntries(t *testing.T) {
	ok := OutboxEntry{ID: uuid.New(), Type: TypeAppointmentBooked}
	bad := OutboxEntry{ID: uuid.New(), Type: TypeAppointmentCompleted}
	store := &fakePending{entries: []OutboxEntry{bad, ok}}
	handler := &fakeHandler{failType: TypeAppointmentCompleted}

	d := NewDeliverer(store, handler, nil).WithBatchSize(5)
	if n := d.drain(context.Background()); n != 1 {
		t.Fatalf("expected 1 delivered, got %d", n)
	}
	if len(store.delivered) != 1 || store.delivered[0] != ok.ID {
		t.Fatalf("expected only the successful entry marked, got %v", store.delivered)
	}
}

func TestDelivererStartStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	d := NewDeliverer(&fakePending{}, &fakeHandler{}, nil).WithInterval(time.Millisecond)
	go func() {
		d.Start(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("deliverer did not stop")
	}
}

type fakeSQS struct {
	input *sqs.SendMessageInput
}

func (f *fakeSQS) SendMessage(_ context.Context, params *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.input = params
	return &sqs.SendMessageOutput{MessageId: aws.String("m-1")}, nil
}

func TestSQSPublisherSendsEntry(t *testing.T) {
	client := &fakeSQS{}
	pub := NewSQSPublisher(client, "https://sqs.local/queue")
	entry := OutboxEntry{ID: uuid.New(), AggregateID: "apt-9", Type: TypeAppointmentCanceled, Payload: json.RawMessage(`{"x":1}`)}
	if err := pub.Handle(context.Background(), entry); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if aws.ToString(client.input.QueueUrl) != "https://sqs.local/queue" {
		t.Fatalf("unexpected queue url %q", aws.ToString(client.input.QueueUrl))
	}
	var decoded OutboxEntry
	if err := json.Unmarshal([]byte(aws.ToString(client.input.MessageBody)), &decoded); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if decoded.AggregateID != "apt-9" || decoded.Type != TypeAppointmentCanceled {
		t.Fatalf("unexpected body %+v", decoded)
	}
	if aws.ToString(client.input.MessageAttributes["event_type"].StringValue) != TypeAppointmentCanceled {
		t.Fatal("expected event_type attribute")
	}
}
