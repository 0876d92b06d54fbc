package selectionevents

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
)

func TestPublish_SendsJSONKeyedBySession(t *testing.T) {
	cfg := sarama.NewConfig()
	prod := mocks.NewAsyncProducer(t, cfg)
	prod.ExpectInputWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "selection-events" {
			return errors.New("wrong topic " + msg.Topic)
		}
		k, _ := msg.Key.Encode()
		if string(k) != "s1" {
			return errors.New("wrong key " + string(k))
		}
		return nil
	})
	prod.ExpectInputWithCheckerFunctionAndSucceed(func(b []byte) error {
		var ev Event
		if err := json.Unmarshal(b, &ev); err != nil {
			return err
		}
		if ev.Kind != "clear" || ev.Query != "SELECT * FROM t" {
			return errors.New("unexpected event " + string(b))
		}
		return nil
	})

	p := NewPublisherWithProducer(nil, prod, "selection-events", 4)
	p.Publish(Event{Session: "s1", Kind: "filter", Value: "Apple", Query: "SELECT * FROM t WHERE c = 'Apple'", TS: time.Now()})
	p.Publish(Event{Session: "s1", Kind: "clear", Query: "SELECT * FROM t", TS: time.Now()})

	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestPublish_AfterCloseIsNoop(t *testing.T) {
	prod := mocks.NewAsyncProducer(t, sarama.NewConfig())
	p := NewPublisherWithProducer(nil, prod, "selection-events", 1)
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	p.Publish(Event{Session: "s1"})
	if err := p.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestBrokers(t *testing.T) {
	got := Brokers(" kafka:9092, ,kafka2:9092 ")
	if len(got) != 2 || got[0] != "kafka:9092" || got[1] != "kafka2:9092" {
		t.Fatalf("got=%v", got)
	}
	if Brokers("") != nil {
		t.Fatal("empty list expected")
	}
}
