package hl7v2

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// MLLPStartBlock is the MLLP start-of-message byte (VT).
	MLLPStartBlock = 0x0B

	// MLLPEndBlock is the MLLP end-of-message byte (FS).
	MLLPEndBlock = 0x1C

	// MLLPCarriageReturn is the trailing CR after the end block.
	MLLPCarriageReturn = 0x0D

	mllpMaxMessageSize = 1 << 20
	mllpWriteTimeout   = 10 * time.Second
)

// ACK codes carried in MSA-1.
const (
	AckAccept = "AA"
	AckError  = "AE"
	AckReject = "AR"
)

// MessageHandler is called for each received HL7v2 message and returns the
// reply to send back. Returning nil sends nothing.
type MessageHandler func(ctx context.Context, msg *Message) *Message

// MLLPServer listens for HL7v2 messages over MLLP/TCP.
type MLLPServer struct {
	addr        string
	handler     MessageHandler
	logger      zerolog.Logger
	readTimeout time.Duration

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
}

// MLLPOption configures an MLLPServer.
type MLLPOption func(*MLLPServer)

// WithMLLPLogger sets the server logger.
func WithMLLPLogger(l zerolog.Logger) MLLPOption {
	return func(s *MLLPServer) { s.logger = l }
}

// WithReadTimeout sets the idle read deadline applied to each connection.
func WithReadTimeout(d time.Duration) MLLPOption {
	return func(s *MLLPServer) {
		if d > 0 {
			s.readTimeout = d
		}
	}
}

// NewMLLPServer creates a server that will listen on addr and dispatch
// parsed messages to handler.
func NewMLLPServer(addr string, handler MessageHandler, opts ...MLLPOption) *MLLPServer {
	s := &MLLPServer{
		addr:        addr,
		handler:     handler,
		logger:      zerolog.Nop(),
		readTimeout: 30 * time.Second,
		conns:       make(map[net.Conn]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start begins listening. The accept loop runs in the background; handler
// contexts derive from ctx and are cancelled by Stop.
func (s *MLLPServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("mllp: listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("mllp listener started")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop()
	}()
	return nil
}

// Stop closes the listener and every open connection, then waits for all
// connection goroutines to exit.
func (s *MLLPServer) Stop() error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()

	err := s.listener.Close()

	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

// Addr returns the bound listener address, useful when started on port 0.
func (s *MLLPServer) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *MLLPServer) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() == nil {
				s.logger.Error().Err(err).Msg("mllp accept failed")
			}
			return
		}

		s.trackConn(conn, true)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.trackConn(conn, false)
			defer conn.Close()
			s.handleConnection(conn)
		}()
	}
}

func (s *MLLPServer) trackConn(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

func (s *MLLPServer) handleConnection(conn net.Conn) {
	log := s.logger.With().Str("remote", conn.RemoteAddr().String()).Logger()
	buf := make([]byte, 0, 4096)
	readBuf := make([]byte, 4096)

	for s.ctx.Err() == nil {
		conn.SetReadDeadline(time.Now().Add(s.readTimeout))

		n, err := conn.Read(readBuf)
		if n > 0 {
			buf = append(buf, readBuf[:n]...)
			if len(buf) > mllpMaxMessageSize {
				log.Warn().Int("bytes", len(buf)).Msg("mllp message exceeds max size, closing connection")
				return
			}
			for {
				raw, rest, found := UnframeMessage(buf)
				if !found {
					break
				}
				buf = rest
				s.processMessage(conn, raw, log)
			}
		}

		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() && len(buf) > 0 {
				continue
			}
			return
		}
	}
}

func (s *MLLPServer) processMessage(conn net.Conn, raw []byte, log zerolog.Logger) {
	var resp *Message
	msg, err := Parse(raw)
	if err != nil {
		log.Warn().Err(err).Msg("mllp parse failed")
		resp = GenerateACK(&Message{Version: "2.5.1"}, AckReject, err.Error())
	} else {
		resp = s.handler(s.ctx, msg)
	}
	if resp == nil {
		return
	}

	conn.SetWriteDeadline(time.Now().Add(mllpWriteTimeout))
	if _, err := conn.Write(FrameMessage(SerializeMessage(resp))); err != nil {
		log.Error().Err(err).Msg("mllp write failed")
	}
}

// FrameMessage wraps raw HL7v2 bytes in MLLP framing: <VT> data <FS><CR>.
func FrameMessage(data []byte) []byte {
	frame := make([]byte, 0, len(data)+3)
	frame = append(frame, MLLPStartBlock)
	frame = append(frame, data...)
	return append(frame, MLLPEndBlock, MLLPCarriageReturn)
}

// UnframeMessage extracts the first complete MLLP frame from data and
// returns it with the remaining bytes.
func UnframeMessage(data []byte) (message []byte, rest []byte, found bool) {
	start := bytes.IndexByte(data, MLLPStartBlock)
	if start == -1 {
		return nil, data, false
	}
	end := bytes.Index(data[start+1:], []byte{MLLPEndBlock, MLLPCarriageReturn})
	if end == -1 {
		return nil, data, false
	}
	end += start + 1
	return data[start+1 : end], data[end+2:], true
}

// GenerateACK builds an ACK for incoming with the given MSA-1 code. Sender
// and receiver are swapped and MSA-2 references the incoming control ID.
// A non-empty text is carried in MSA-3.
func GenerateACK(incoming *Message, code, text string) *Message {
	now := time.Now().UTC()
	stamp := now.Format("20060102150405")
	controlID := "ACK" + now.Format("20060102150405.000")
	msgType := "ACK"
	if trigger := incoming.TriggerEvent(); trigger != "" {
		msgType += "^" + trigger
	}

	ack := &Message{
		Type:         msgType,
		ControlID:    controlID,
		Version:      incoming.Version,
		Timestamp:    now,
		SendingApp:   incoming.ReceivingApp,
		SendingFac:   incoming.ReceivingFac,
		ReceivingApp: incoming.SendingApp,
		ReceivingFac: incoming.SendingFac,
	}

	ack.Segments = []Segment{
		{Name: "MSH", Fields: textFields("|", `^~\&`, ack.SendingApp, ack.SendingFac,
			ack.ReceivingApp, ack.ReceivingFac, stamp, "", msgType, controlID, "P", ack.Version)},
		{Name: "MSA", Fields: plainFields(code, incoming.ControlID, text)},
	}
	if text == "" {
		ack.Segments[1].Fields = ack.Segments[1].Fields[:2]
	}
	return ack
}

// textFields builds MSH fields whose values may contain component
// separators.
func textFields(vals ...string) []Field {
	fields := make([]Field, len(vals))
	for i, v := range vals {
		fields[i] = Field{Value: v, Components: strings.Split(v, "^")}
	}
	fields[0].Components = []string{vals[0]}
	return fields
}

func plainFields(vals ...string) []Field {
	fields := make([]Field, len(vals))
	for i, v := range vals {
		fields[i] = Field{Value: v, Components: []string{v}}
	}
	return fields
}

// SerializeMessage renders a Message as raw HL7v2 with \r separators using
// the default delimiters.
func SerializeMessage(msg *Message) []byte {
	segs := make([]string, 0, len(msg.Segments))
	for _, seg := range msg.Segments {
		segs = append(segs, serializeSegment(seg))
	}
	return []byte(strings.Join(segs, "\r"))
}

func serializeSegment(seg Segment) string {
	if seg.Name == "MSH" {
		if len(seg.Fields) < 2 {
			return "MSH|"
		}
		parts := []string{seg.Fields[1].Value}
		for _, f := range seg.Fields[2:] {
			parts = append(parts, serializeValue(f))
		}
		return "MSH|" + strings.Join(parts, "|")
	}

	parts := make([]string, len(seg.Fields))
	for i, f := range seg.Fields {
		parts[i] = serializeValue(f)
	}
	return seg.Name + "|" + strings.Join(parts, "|")
}

// serializeValue escapes a field, keeping the repetition and component
// structure it was parsed or built with.
func serializeValue(f Field) string {
	reps := f.Repeats
	if len(reps) == 0 {
		if len(f.Components) <= 1 {
			return escape(f.Value)
		}
		reps = [][]string{f.Components}
	}
	out := make([]string, len(reps))
	for i, comps := range reps {
		esc := make([]string, len(comps))
		for j, c := range comps {
			esc[j] = escape(c)
		}
		out[i] = strings.Join(esc, "^")
	}
	return strings.Join(out, "~")
}

var escaper = strings.NewReplacer(`\`, `\E\`, "|", `\F\`, "^", `\S\`, "&", `\T\`, "~", `\R\`)

func escape(s string) string {
	return escaper.Replace(s)
}
