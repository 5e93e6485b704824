package producer

import (
	"errors"
	"strings"
	"testing"

	"github.com/IBM/sarama/mocks"
	"github.com/rs/zerolog"
)

func TestNewRequiresBrokers(t *testing.T) {
	if _, err := New(nil, zerolog.Nop()); err == nil {
		t.Fatalf("expected error without brokers")
	}
}

func TestPublishSync(t *testing.T) {
	sync := mocks.NewSyncProducer(t, nil)
	p := &Producer{logger: zerolog.Nop(), syncProducer: sync}

	sync.ExpectSendMessageAndSucceed()
	if err := p.PublishSync("delivery.status", []byte("msg-1"), map[string][]byte{"kind": []byte("status")}, []byte(`{}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if !p.IsReady() {
		t.Fatalf("successful send must mark the producer ready")
	}

	sync.ExpectSendMessageAndFail(errors.New("broker unavailable"))
	if err := p.PublishSync("delivery.status", nil, nil, []byte(`{}`)); err == nil {
		t.Fatalf("broker failure must propagate")
	}
	if p.IsReady() {
		t.Fatalf("failed send must mark the producer not ready")
	}

	if err := sync.Close(); err != nil {
		t.Fatalf("close mock: %v", err)
	}
}

func TestPublishSyncRequiresTopic(t *testing.T) {
	p := &Producer{logger: zerolog.Nop()}
	if err := p.PublishSync("", nil, nil, []byte(`{}`)); err == nil || !strings.Contains(err.Error(), "topic") {
		t.Fatalf("expected topic error, got %v", err)
	}
}

func TestToRecordHeaders(t *testing.T) {
	if toRecordHeaders(nil) != nil {
		t.Fatalf("empty input must yield nil")
	}
	out := toRecordHeaders(map[string][]byte{"content-type": []byte("application/json")})
	if len(out) != 1 || string(out[0].Key) != "content-type" {
		t.Fatalf("unexpected headers: %+v", out)
	}
}
