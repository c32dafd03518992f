package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ushineko/snare/internal/config"
	"github.com/ushineko/snare/internal/engine"
	"github.com/ushineko/snare/internal/netio"
	"github.com/ushineko/snare/internal/proto"
	"github.com/ushineko/snare/internal/recorder"
	"github.com/ushineko/snare/internal/stats"
)

const (
	readChunkSize = 16384
	dialTimeout   = 10 * time.Second

	// pathBacklog bounds the request paths waiting for their response.
	// HTTP/1.1 without pipelining keeps at most one outstanding.
	pathBacklog = 64

	protocolTCP = "TCP"
)

type workerParams struct {
	cfg        *config.Config
	eng        *engine.Engine
	target     string
	client     net.Conn
	isTLS      bool
	serverName string
	sourceIP   string
	sourceHost string
	destPort   int
	processCmd string
	writer     *stats.TCPWriter
	collector  *stats.Collector
	log        *slog.Logger
}

// worker owns one accepted connection. Two loops run concurrently: the
// client loop turns client bytes into upstream requests, the service
// loop turns upstream bytes into client responses. In offline mode only
// the client loop runs and the engine synthesizes every response.
type worker struct {
	workerParams

	id      string
	offline bool
	service net.Conn

	// paths holds request paths awaiting their response, oldest first.
	paths chan string

	// WebSocket upgrade state. pendingUpgrade is set by the client loop
	// on the Upgrade request; the service loop flips upgraded after the
	// 101 response has been relayed. The frame streams are created
	// before upgraded is stored, so the other loop sees them.
	pendingUpgrade atomic.Bool
	upgraded       atomic.Bool
	clientFrames   *proto.FrameStream
	serviceFrames  *proto.FrameStream

	// Leftover partial frame bytes, each owned by a single loop.
	clientPending  []byte
	servicePending []byte
}

func newWorker(p workerParams) *worker {
	id := uuid.NewString()
	p.log = p.log.With("thread", id, "engine", p.eng.Name)
	return &worker{
		workerParams: p,
		id:           id,
		offline:      p.cfg.Offline,
		paths:        make(chan string, pathBacklog),
	}
}

func (w *worker) run(ctx context.Context) {
	w.collector.ActiveWorkers.Add(1)
	defer w.collector.ActiveWorkers.Add(-1)
	defer w.client.Close() //nolint:errcheck // best-effort close

	if !w.offline {
		if err := w.dialService(ctx); err != nil {
			w.writeError(err)
			return
		}
		defer w.service.Close() //nolint:errcheck // best-effort close
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		_ = w.client.Close()
		if w.service != nil {
			_ = w.service.Close()
		}
	}()

	errs := make(chan error, 2)
	loops := 1
	go w.clientLoop(ctx, errs)
	if !w.offline {
		loops = 2
		go w.serviceLoop(ctx, errs)
	}

	first := <-errs
	cancel()
	for i := 1; i < loops; i++ {
		<-errs
	}

	if first != nil {
		if kind := netio.Classify(first); !kind.Benign() {
			w.writeError(first)
		}
	}
	w.log.Debug("worker finished", "source", w.sourceIP, "server_name", w.serverName)
}

// dialService connects to the real service. The port table target wins
// over the SNI domain; TLS client connections get a TLS upstream.
func (w *worker) dialService(ctx context.Context) error {
	host := w.target
	if host == "" {
		host = w.serverName
	}
	if host == "" {
		return errors.New("no upstream: connection has neither SNI nor a port mapping")
	}

	addr := host
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(host, strconv.Itoa(w.destPort))
	}

	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return err
	}

	if w.isTLS {
		// The redirected DNS may point the dial back at an intercept
		// address, so upstream verification is off.
		tlsConn := tls.Client(conn, &tls.Config{
			ServerName:         w.serverName,
			InsecureSkipVerify: true, //nolint:gosec
			MinVersion:         tls.VersionTLS12,
		})
		hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
		err := tlsConn.HandshakeContext(hsCtx)
		cancel()
		if err != nil {
			_ = conn.Close()
			return err
		}
		conn = tlsConn
	}

	w.service = conn
	return nil
}

func (w *worker) newMessage() *clientMessage {
	return &clientMessage{
		ThreadID:   w.id,
		SourceHost: w.sourceHost,
		SourceIP:   w.sourceIP,
		DestPort:   w.destPort,
		TLS:        w.isTLS,
		ServerName: w.serverName,
		ProcessCmd: w.processCmd,
	}
}

func (w *worker) clientLoop(ctx context.Context, errs chan<- error) {
	msg := w.newMessage()
	for {
		raw, err := w.receive(ctx, w.client)
		if err != nil {
			errs <- err
			return
		}

		msg.resetDynamic()
		ex := w.newExchange(raw)
		msg.Exchange = ex
		w.classifyClient(ex)
		if perr := w.eng.Parser.Parse(ex); perr != nil {
			msg.Errors = append(msg.Errors, perr.Error())
			w.log.Warn("engine parse failed", "error", perr)
		}
		w.fillFromExchange(msg, ex)
		w.emit(msg, stats.ActionClientReceive, raw, nil)

		if w.offline {
			out, berr := w.eng.Responder.BuildResponse(ex)
			if berr != nil {
				errs <- berr
				return
			}
			if _, werr := w.client.Write(out); werr != nil {
				errs <- werr
				return
			}
			w.emit(msg, stats.ActionServiceResponder, nil, out)
			continue
		}

		out, berr := w.eng.Requester.BuildRequest(ex)
		if berr != nil {
			errs <- berr
			return
		}
		// Correlate before the write lands upstream, or a fast response
		// could pop an empty backlog.
		if ex.Request != nil {
			w.pushPath(ex.Request.Path)
		}
		if _, werr := w.service.Write(out); werr != nil {
			errs <- werr
			return
		}
		w.emit(msg, stats.ActionClientRequester, out, nil)
	}
}

func (w *worker) serviceLoop(ctx context.Context, errs chan<- error) {
	msg := w.newMessage()
	for {
		raw, err := w.receive(ctx, w.service)
		if err != nil {
			errs <- err
			return
		}

		msg.resetDynamic()
		ex := w.newExchange(raw)
		msg.Exchange = ex
		w.classifyService(ex)
		if perr := w.eng.Parser.Parse(ex); perr != nil {
			msg.Errors = append(msg.Errors, perr.Error())
			w.log.Warn("engine parse failed", "error", perr)
		}
		if ex.Response != nil {
			msg.Path = w.popPath()
		}
		w.fillFromExchange(msg, ex)
		w.emit(msg, stats.ActionServiceReceive, nil, raw)

		out, berr := w.eng.Responder.BuildResponse(ex)
		if berr != nil {
			errs <- berr
			return
		}
		if _, werr := w.client.Write(out); werr != nil {
			errs <- werr
			return
		}
		w.emit(msg, stats.ActionServiceResponder, nil, out)

		if w.pendingUpgrade.Load() && ex.Response != nil && ex.Response.StatusCode == 101 {
			w.enableWebSocket(ex.Response)
		}
	}
}

// receive reads one message worth of bytes. No data within wait_initial
// keeps waiting; a wait_between gap after the first bytes ends the
// message.
func (w *worker) receive(ctx context.Context, conn net.Conn) ([]byte, error) {
	var buf []byte
	chunk := make([]byte, readChunkSize)
	for {
		if ctx.Err() != nil {
			return nil, net.ErrClosed
		}

		wait := w.cfg.TCP.WaitBetween.Duration
		if len(buf) == 0 {
			wait = w.cfg.TCP.WaitInitial.Duration
		}
		_ = conn.SetReadDeadline(time.Now().Add(wait))

		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err == nil {
			continue
		}
		if netio.Classify(err) == netio.KindTimeout {
			if len(buf) == 0 {
				continue
			}
			return buf, nil
		}
		if len(buf) > 0 && errors.Is(err, io.EOF) {
			// Deliver what arrived; the EOF comes back on the next read.
			return buf, nil
		}
		return nil, err
	}
}

func (w *worker) newExchange(raw []byte) *engine.Exchange {
	return &engine.Exchange{
		ServerName: w.serverName,
		SourceIP:   w.sourceIP,
		DestPort:   w.destPort,
		ThreadID:   w.id,
		Raw:        raw,
	}
}

func (w *worker) classifyClient(ex *engine.Exchange) {
	if w.upgraded.Load() {
		w.classifyFrames(ex, &w.clientPending, w.clientFrames)
		return
	}
	if proto.IsHTTPRequest(ex.Raw) {
		ex.Protocol = proto.ProtocolHTTP
		ex.Protocol2 = proto.SubRequest
		if req, ok := proto.ParseRequest(ex.Raw); ok {
			ex.Request = req
			if req.IsWebSocketUpgrade() {
				ex.Protocol = proto.ProtocolWebSocket
				ex.Protocol2 = proto.SubHandshake
				w.pendingUpgrade.Store(true)
			}
		}
		return
	}
	ex.Protocol = protocolTCP
}

func (w *worker) classifyService(ex *engine.Exchange) {
	if w.upgraded.Load() {
		w.classifyFrames(ex, &w.servicePending, w.serviceFrames)
		return
	}
	if proto.IsHTTPResponse(ex.Raw) {
		ex.Protocol = proto.ProtocolHTTP
		ex.Protocol2 = proto.SubResponse
		if resp, ok := proto.ParseResponse(ex.Raw); ok {
			ex.Response = resp
			if w.pendingUpgrade.Load() && resp.StatusCode == 101 {
				ex.Protocol = proto.ProtocolWebSocket
				ex.Protocol2 = proto.SubHandshake
			}
		}
		return
	}
	ex.Protocol = protocolTCP
}

func (w *worker) classifyFrames(ex *engine.Exchange, pending *[]byte, stream *proto.FrameStream) {
	ex.Protocol = proto.ProtocolWebSocket
	ex.Protocol2 = proto.SubFrame

	data := ex.Raw
	if len(*pending) > 0 {
		data = append(append([]byte(nil), *pending...), ex.Raw...)
	}
	msgs, rest := stream.Feed(data)
	*pending = append((*pending)[:0], rest...)

	ex.Frames = msgs
	if len(msgs) > 0 {
		ex.Protocol3 = proto.OpcodeName(msgs[0].Opcode)
	}
}

// enableWebSocket switches both directions to frame parsing. It runs on
// the service loop after the 101 response has been relayed.
func (w *worker) enableWebSocket(resp *proto.Response) {
	deflate := strings.Contains(resp.Headers.Get("Sec-Websocket-Extensions"), "permessage-deflate")
	w.clientFrames = proto.NewFrameStream(deflate)
	w.serviceFrames = proto.NewFrameStream(deflate)
	w.pendingUpgrade.Store(false)
	w.upgraded.Store(true)
	w.log.Info("connection upgraded", "protocol", proto.ProtocolWebSocket, "deflate", deflate)
}

func (w *worker) fillFromExchange(msg *clientMessage, ex *engine.Exchange) {
	switch {
	case ex.Request != nil:
		msg.Command = ex.Request.Method
		msg.Path = ex.Request.Path
	case ex.Response != nil:
		msg.StatusCode = strconv.Itoa(ex.Response.StatusCode)
	case len(ex.Frames) > 0:
		msg.Command = ex.Protocol3
	}
}

func (w *worker) hostFor(ex *engine.Exchange) string {
	if ex.Request != nil {
		if h := ex.Request.Host(); h != "" {
			return h
		}
	}
	return w.serverName
}

// emit writes one statistics row, one recording entry, and updates the
// aggregate counters for a pipeline stage.
func (w *worker) emit(msg *clientMessage, action string, reqRaw, respRaw []byte) {
	ex := msg.Exchange
	row := &stats.TCPRow{
		ThreadID:     msg.ThreadID,
		Engine:       w.eng.Name,
		SourceHost:   msg.SourceHost,
		SourceIP:     msg.SourceIP,
		TLS:          msg.TLS,
		Protocol:     ex.Protocol,
		Protocol2:    ex.Protocol2,
		Protocol3:    ex.Protocol3,
		DestPort:     msg.DestPort,
		Host:         w.hostFor(ex),
		Path:         msg.Path,
		Command:      msg.Command,
		StatusCode:   msg.StatusCode,
		RequestSize:  len(reqRaw),
		ResponseSize: len(respRaw),
		ProcessCmd:   msg.ProcessCmd,
		Action:       action,
		Error:        strings.Join(msg.Errors, "; "),
	}

	if w.eng.Recorder != nil {
		rec := &recorder.Record{
			ThreadID:   msg.ThreadID,
			SourceIP:   msg.SourceIP,
			ServerName: msg.ServerName,
			TLS:        msg.TLS,
			Protocol:   ex.Protocol,
			Protocol2:  ex.Protocol2,
			Protocol3:  ex.Protocol3,
			DestPort:   msg.DestPort,
			Command:    msg.Command,
			Path:       msg.Path,
			StatusCode: msg.StatusCode,
			ProcessCmd: msg.ProcessCmd,
			Action:     action,
			Errors:     append([]string(nil), msg.Errors...),
		}
		rec.SetRequest(reqRaw)
		rec.SetResponse(respRaw)
		if path, rerr := w.eng.Recorder.Record(rec); rerr != nil {
			w.log.Warn("recording failed", "error", rerr)
		} else {
			row.FilePath = path
		}
	}

	if w.writer != nil {
		if werr := w.writer.Write(row); werr != nil {
			w.log.Warn("stats write failed", "error", werr)
		}
	}
	w.collector.RecordMessage(w.eng.Name, ex.Protocol, int64(len(reqRaw)), int64(len(respRaw)), row.Error != "")
}

// writeError records a terminal worker failure.
func (w *worker) writeError(err error) {
	kind := netio.Classify(err)
	if w.writer != nil {
		_ = w.writer.Write(&stats.TCPRow{
			ThreadID:   w.id,
			Engine:     w.eng.Name,
			SourceHost: w.sourceHost,
			SourceIP:   w.sourceIP,
			TLS:        w.isTLS,
			DestPort:   w.destPort,
			Host:       w.serverName,
			ProcessCmd: w.processCmd,
			Action:     stats.ActionWorkerError,
			Error:      kind.String() + ": " + err.Error(),
		})
	}
	w.collector.RecordMessage(w.eng.Name, "", 0, 0, true)
	w.log.Warn("worker error", "kind", kind.String(), "error", err)
}

func (w *worker) pushPath(path string) {
	select {
	case w.paths <- path:
	default:
		// Backlog full: evict the oldest so correlation skews instead
		// of blocking the relay.
		select {
		case <-w.paths:
		default:
		}
		select {
		case w.paths <- path:
		default:
		}
	}
}

func (w *worker) popPath() string {
	select {
	case p := <-w.paths:
		return p
	default:
		return ""
	}
}
