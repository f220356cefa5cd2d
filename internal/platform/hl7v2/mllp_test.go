package hl7v2

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/carepoint/backoffice/pkg/labinterp"
)

var testADT = "MSH|^~\\&|SendApp|SendFac|RecvApp|RecvFac|20240115120000||ADT^A01|MSG001|P|2.5.1\rPID|||12345||Smith^John||19800101|M"

func TestFrameUnframe(t *testing.T) {
	raw := []byte("MSH|^~\\&|A|B|||20240115||ADT^A01|C1|P|2.5.1")
	framed := FrameMessage(raw)

	if framed[0] != MLLPStartBlock || framed[len(framed)-2] != MLLPEndBlock || framed[len(framed)-1] != MLLPCarriageReturn {
		t.Fatalf("bad framing bytes: % x", framed)
	}
	got, rest, found := UnframeMessage(framed)
	if !found || !bytes.Equal(got, raw) || len(rest) != 0 {
		t.Errorf("UnframeMessage = %q, %q, %v", got, rest, found)
	}
}

func TestUnframeMessage_Incomplete(t *testing.T) {
	tests := map[string][]byte{
		"no start block": []byte("no start block here"),
		"no end block":   append([]byte{MLLPStartBlock}, "MSH|partial"...),
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			if _, rest, found := UnframeMessage(data); found || !bytes.Equal(rest, data) {
				t.Errorf("found=%v rest=%q", found, rest)
			}
		})
	}
}

func TestUnframeMessage_Multiple(t *testing.T) {
	combined := append(FrameMessage([]byte("ONE")), FrameMessage([]byte("TWO"))...)

	first, rest, _ := UnframeMessage(combined)
	second, rest, found := UnframeMessage(rest)
	if string(first) != "ONE" || string(second) != "TWO" || !found || len(rest) != 0 {
		t.Errorf("got %q, %q (rest %d)", first, second, len(rest))
	}
}

func TestGenerateACK(t *testing.T) {
	msg := parseTestMessage(t, testADT)

	tests := []struct {
		code, text string
		wantMSA    int
	}{
		{AckAccept, "", 2},
		{AckError, "bad | input", 3},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			ack := GenerateACK(msg, tt.code, tt.text)

			if ack.SendingApp != "RecvApp" || ack.ReceivingApp != "SendApp" || ack.ReceivingFac != "SendFac" {
				t.Errorf("sender/receiver not swapped: %+v", ack)
			}
			if ack.Type != "ACK^A01" {
				t.Errorf("Type = %q", ack.Type)
			}

			// Round-trip through the wire format.
			parsed := parseTestMessage(t, string(SerializeMessage(ack)))
			msa := parsed.GetSegment("MSA")
			if msa == nil {
				t.Fatal("missing MSA")
			}
			if len(msa.Fields) != tt.wantMSA {
				t.Errorf("MSA fields = %d, want %d", len(msa.Fields), tt.wantMSA)
			}
			if msa.GetField(1) != tt.code || msa.GetField(2) != "MSG001" || msa.GetField(3) != tt.text {
				t.Errorf("MSA = %q|%q|%q", msa.GetField(1), msa.GetField(2), msa.GetField(3))
			}
			if parsed.TriggerEvent() != "A01" || parsed.ControlID != ack.ControlID {
				t.Errorf("header lost in serialization: %+v", parsed)
			}
		})
	}
}

func TestGenerateACK_WithoutIncomingHeader(t *testing.T) {
	ack := GenerateACK(&Message{Version: "2.5.1"}, AckReject, "unparseable")
	if ack.Type != "ACK" {
		t.Errorf("Type = %q", ack.Type)
	}
	if got := ack.GetSegment("MSA").GetField(1); got != AckReject {
		t.Errorf("MSA-1 = %q", got)
	}
}

// startServer starts an MLLP server on a random port and stops it when the
// test ends.
func startServer(t *testing.T, handler MessageHandler) *MLLPServer {
	t.Helper()
	srv := NewMLLPServer("127.0.0.1:0", handler, WithReadTimeout(2*time.Second))
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })
	return srv
}

// roundTrip sends one framed message and reads the framed reply.
func roundTrip(t *testing.T, conn net.Conn, raw string) *Message {
	t.Helper()
	if _, err := conn.Write(FrameMessage([]byte(raw))); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var buf []byte
	chunk := make([]byte, 4096)
	for {
		n, err := conn.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if body, _, found := UnframeMessage(buf); found {
			return parseTestMessage(t, string(body))
		}
		if err != nil {
			t.Fatalf("read: %v", err)
		}
	}
}

func dial(t *testing.T, srv *MLLPServer) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", srv.Addr(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func acceptAll(_ context.Context, msg *Message) *Message {
	return GenerateACK(msg, AckAccept, "")
}

func TestMLLPServer_StartStop(t *testing.T) {
	srv := NewMLLPServer("127.0.0.1:0", acceptAll)
	if err := srv.Stop(); err != nil {
		t.Errorf("Stop before Start: %v", err)
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if srv.Addr() == "127.0.0.1:0" {
		t.Error("expected a bound port")
	}
	if err := srv.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
}

func TestMLLPServer_ReceivesAndAcks(t *testing.T) {
	var (
		mu       sync.Mutex
		received []string
	)
	srv := startServer(t, func(ctx context.Context, msg *Message) *Message {
		mu.Lock()
		received = append(received, msg.ControlID)
		mu.Unlock()
		return acceptAll(ctx, msg)
	})
	conn := dial(t, srv)

	for _, id := range []string{"M1", "M2", "M3"} {
		raw := "MSH|^~\\&|A|B|C|D|20240115||ADT^A01|" + id + "|P|2.5.1"
		ack := roundTrip(t, conn, raw)
		if got := ack.GetSegment("MSA").GetField(2); got != id {
			t.Errorf("ack references %q, want %q", got, id)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 3 {
		t.Errorf("received %d messages, want 3", len(received))
	}
}

func TestMLLPServer_MultipleConnections(t *testing.T) {
	srv := startServer(t, acceptAll)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := net.DialTimeout("tcp", srv.Addr(), 2*time.Second)
			if err != nil {
				t.Errorf("dial: %v", err)
				return
			}
			defer conn.Close()
			conn.Write(FrameMessage([]byte(testADT)))
			conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			buf := make([]byte, 4096)
			if n, err := conn.Read(buf); err != nil || !bytes.Contains(buf[:n], []byte("MSA|AA|MSG001")) {
				t.Errorf("unexpected reply %q (err %v)", buf[:n], err)
			}
		}()
	}
	wg.Wait()
}

func TestMLLPServer_RejectsUnparseable(t *testing.T) {
	called := false
	srv := startServer(t, func(ctx context.Context, msg *Message) *Message {
		called = true
		return nil
	})
	conn := dial(t, srv)

	ack := roundTrip(t, conn, "NOT AN HL7 MESSAGE")
	if got := ack.GetSegment("MSA").GetField(1); got != AckReject {
		t.Errorf("MSA-1 = %q, want AR", got)
	}
	if called {
		t.Error("handler should not see unparseable input")
	}
}

type stubAnalyzer struct {
	got *LabMessage
	out *labinterp.Assessment
	err error
}

func (s *stubAnalyzer) AnalyzeLabMessage(_ context.Context, msg *LabMessage) (*labinterp.Assessment, error) {
	s.got = msg
	return s.out, s.err
}

func TestLabHandler(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		err      error
		wantCode string
		wantCall bool
	}{
		{"oru accepted", sampleORU, nil, AckAccept, true},
		{"analysis failure", sampleORU, errors.New("db down"), AckError, true},
		{"non-oru rejected", sampleADT, nil, AckError, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			an := &stubAnalyzer{out: &labinterp.Assessment{RiskScore: 50}, err: tt.err}
			h := NewLabHandler(an, zerolog.Nop())

			ack := h(context.Background(), parseTestMessage(t, tt.raw))
			if got := ack.GetSegment("MSA").GetField(1); got != tt.wantCode {
				t.Errorf("MSA-1 = %q, want %q", got, tt.wantCode)
			}
			if (an.got != nil) != tt.wantCall {
				t.Errorf("analyzer called = %v, want %v", an.got != nil, tt.wantCall)
			}
			if tt.wantCall && len(an.got.Results) != 2 {
				t.Errorf("analyzer got %d results, want 2", len(an.got.Results))
			}
		})
	}
}

func TestMLLPServer_LabIntake(t *testing.T) {
	an := &stubAnalyzer{out: &labinterp.Assessment{RiskScore: 100}}
	srv := startServer(t, NewLabHandler(an, zerolog.Nop()))
	conn := dial(t, srv)

	ack := roundTrip(t, conn, sampleORU)
	if got := ack.GetSegment("MSA").GetField(1); got != AckAccept {
		t.Errorf("MSA-1 = %q", got)
	}
	if ack.TriggerEvent() != "R01" {
		t.Errorf("ACK trigger = %q", ack.TriggerEvent())
	}
}
