// Package session implements the per-connection state machine: four typed
// queues, four worker goroutines, and the trivial-action inline handlers.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand/v2"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/tikslop/videogen-gateway/internal/apperr"
	"github.com/tikslop/videogen-gateway/internal/chat"
	"github.com/tikslop/videogen-gateway/internal/endpointpool"
	"github.com/tikslop/videogen-gateway/internal/frame"
	"github.com/tikslop/videogen-gateway/internal/identity"
	"github.com/tikslop/videogen-gateway/internal/logging"
	"github.com/tikslop/videogen-gateway/internal/roleconfig"
	"github.com/tikslop/videogen-gateway/internal/textgen"
	"github.com/tikslop/videogen-gateway/internal/tracing"
	"github.com/tikslop/videogen-gateway/internal/videoworker"
)

const (
	queueCapacity    = 64
	sendBufferSize   = 64
	writeWait        = 10 * time.Second
	drainGrace       = 2 * time.Second
	leaseMaxWait     = 10 * time.Second
	videoPollTimeout = 100 * time.Millisecond
	videoReapSleep   = 100 * time.Millisecond
	maxSearchRetries = 2
	searchBaseTemp   = 0.8
)

var placeholderPattern = regexp.MustCompile(`<[A-Z_]+>`)

// Conn is the duplex connection a Session reads from and writes to,
// decoupled from gorilla/websocket so tests can fake it.
type Conn interface {
	WriteMessage(data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

// State is the Session lifecycle.
type State int32

const (
	StateInit State = iota
	StateRunning
	StateDraining
	StateClosed
)

// Deps are the shared, process-scoped singletons every Session dispatches
// against.
type Deps struct {
	Pool        *endpointpool.Pool
	VideoClient *videoworker.Client
	TextGen     textgen.Generator
	Chat        *chat.Registry
	Roles       *roleconfig.Resolver
}

// Session is all per-connection state and worker tasks.
type Session struct {
	conn      Conn
	userID    string
	username  string
	ip        string
	role      identity.Role
	createdAt time.Time
	deps      Deps

	send    chan []byte
	chatQ   chan frame.Inbound
	videoQ  chan frame.Inbound
	searchQ chan frame.Inbound
	simQ    chan frame.Inbound

	videoCap int

	state     atomic.Int32
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closing   chan struct{}
	writeDone chan struct{}
	closeOnce sync.Once
}

// New constructs a Session for an already-authenticated connection. role
// and the endpoint pool's current size determine the video worker's
// concurrency cap: C = min(N_endpoints, roleCap).
func New(conn Conn, userID, username, ip string, role identity.Role, deps Deps) *Session {
	s := &Session{
		conn:      conn,
		userID:    userID,
		username:  username,
		ip:        ip,
		role:      role,
		createdAt: time.Now(),
		deps:      deps,
		send:      make(chan []byte, sendBufferSize),
		chatQ:     make(chan frame.Inbound, queueCapacity),
		videoQ:    make(chan frame.Inbound, queueCapacity),
		searchQ:   make(chan frame.Inbound, queueCapacity),
		simQ:      make(chan frame.Inbound, queueCapacity),
		closing:   make(chan struct{}),
		writeDone: make(chan struct{}),
		videoCap:  videoConcurrencyCap(role, deps.Pool.Size()),
	}
	s.state.Store(int32(StateInit))
	return s
}

func videoConcurrencyCap(role identity.Role, nEndpoints int) int {
	roleCap := nEndpoints
	switch role {
	case identity.RoleAnon:
		roleCap = 2
	case identity.RoleNormal:
		roleCap = 4
	}
	if nEndpoints < roleCap {
		roleCap = nEndpoints
	}
	if roleCap < 1 {
		roleCap = 1
	}
	return roleCap
}

func (s *Session) UserID() string    { return s.userID }
func (s *Session) IP() string        { return s.ip }
func (s *Session) Role() identity.Role { return s.role }
func (s *Session) State() State      { return State(s.state.Load()) }

// Run starts the four worker tasks and the outbound write pump. It returns
// immediately; call Close to drain and stop the Session.
func (s *Session) Run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	ctx = logging.WithUserID(ctx, s.userID)
	// The wire-visible userId and the Session's own identity are the same
	// fresh uuid minted per connection; tag both context keys so a log line
	// filters the same way regardless of which the reader searches by.
	ctx = logging.WithSessionID(ctx, s.userID)
	s.state.Store(int32(StateRunning))

	s.wg.Add(4)
	go s.chatWorker(ctx)
	go s.videoWorker(ctx)
	go s.searchWorker(ctx)
	go s.simulationWorker(ctx)

	go func() {
		s.writePump(ctx)
		close(s.writeDone)
	}()
}

// Close transitions the Session to DRAINING, cancels its workers, awaits
// their completion with a short grace period, then CLOSED. Safe to call
// more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateDraining))
		close(s.closing)
		if s.cancel != nil {
			s.cancel()
		}

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(drainGrace):
		}

		s.state.Store(int32(StateClosed))
		close(s.send)
		<-s.writeDone
		s.conn.Close()
	})
}

// Enqueue routes an already-classified inbound frame onto the matching
// queue. It blocks until the frame is accepted, the Session starts
// draining, or ctx is cancelled — preserving the per-queue FIFO guarantee
// rather than silently dropping under load.
func (s *Session) Enqueue(ctx context.Context, class frame.Class, in frame.Inbound) bool {
	var q chan frame.Inbound
	switch class {
	case frame.ClassChat:
		q = s.chatQ
	case frame.ClassVideo:
		q = s.videoQ
	case frame.ClassSearch:
		q = s.searchQ
	case frame.ClassSimulation:
		q = s.simQ
	default:
		return false
	}
	select {
	case <-s.closing:
		return false
	default:
	}
	select {
	case q <- in:
		return true
	case <-s.closing:
		return false
	case <-ctx.Done():
		return false
	}
}

// dispatchSpan starts a span around one frame's dispatch, named after the
// class it was routed under, so a trace shows the full inline/queued worker
// breakdown of a Session's traffic.
func (s *Session) dispatchSpan(ctx context.Context, class string, in frame.Inbound) (context.Context, oteltrace.Span) {
	return tracing.Tracer().Start(ctx, "session.dispatch."+class, oteltrace.WithAttributes(
		attribute.String("action", in.Action),
		attribute.String("request_id", in.RequestID),
		attribute.String("user_id", s.userID),
		attribute.String("role", string(s.role)),
	))
}

// HandleInline answers a trivial action on the caller's goroutine without
// queueing.
func (s *Session) HandleInline(ctx context.Context, in frame.Inbound) {
	ctx, span := s.dispatchSpan(ctx, "inline", in)
	defer span.End()

	canonical := frame.CanonicalAction(in.Action)
	switch canonical {
	case frame.ActionHeartbeat, frame.ActionGetUserRole:
		s.writeReply(ctx, frame.Ok(canonical, in.RequestID, map[string]any{"user_role": string(s.role)}))
	case frame.ActionGenerateCaption:
		s.handleCaption(ctx, in)
	case frame.ActionGenerateThumbnail:
		s.handleThumbnail(ctx, in)
	default:
		s.writeReply(ctx, frame.Fail(canonical, in.RequestID, "unknown action"))
	}
}

// WriteReply lets the caller (the Gateway, for rate-limit denials and
// malformed frames) write a reply without going through a worker.
func (s *Session) WriteReply(ctx context.Context, out frame.Outbound) {
	s.writeReply(ctx, out)
}

func (s *Session) writeReply(ctx context.Context, out frame.Outbound) {
	data, err := json.Marshal(out)
	if err != nil {
		logging.Error(ctx, "failed to marshal reply", zap.Error(err))
		return
	}
	select {
	case s.send <- data:
	case <-s.closing:
	case <-ctx.Done():
	}
}

func (s *Session) writePump(ctx context.Context) {
	for {
		select {
		case data, ok := <-s.send:
			if !ok {
				return
			}
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(data); err != nil {
				logging.Warn(ctx, "failed to write frame, closing session", zap.Error(err))
				go s.Close()
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// SendChat implements chat.Subscriber: a best-effort, non-blocking
// broadcast send. A full send buffer reports failure so ChatRegistry drops
// this subscriber.
func (s *Session) SendChat(msg frame.Message) error {
	out := frame.Outbound{
		Action:  frame.ActionChatMessage,
		Success: true,
		Fields: map[string]any{
			"broadcast": true,
			"videoId":   msg.VideoID,
			"username":  msg.Username,
			"content":   msg.Content,
			"timestamp": msg.Timestamp,
		},
	}
	data, err := json.Marshal(out)
	if err != nil {
		return err
	}
	select {
	case s.send <- data:
		return nil
	default:
		return errors.New("session: send buffer full")
	}
}

// --- chat worker (serial, strict FIFO) ---

func (s *Session) chatWorker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case in, ok := <-s.chatQ:
			if !ok {
				return
			}
			s.handleChat(ctx, in)
		}
	}
}

func (s *Session) handleChat(ctx context.Context, in frame.Inbound) {
	ctx, span := s.dispatchSpan(ctx, "chat", in)
	defer span.End()
	if in.VideoID != "" {
		ctx = logging.WithVideoID(ctx, in.VideoID)
	}

	canonical := frame.CanonicalAction(in.Action)
	switch canonical {
	case frame.ActionJoinChat:
		msgs, err := s.deps.Chat.Join(in.VideoID, s)
		if err != nil {
			s.writeReply(ctx, frame.Fail(canonical, in.RequestID, userMessage(err)))
			return
		}
		s.writeReply(ctx, frame.Ok(canonical, in.RequestID, map[string]any{"messages": msgs}))
	case frame.ActionLeaveChat:
		if err := s.deps.Chat.Leave(in.VideoID, s); err != nil {
			s.writeReply(ctx, frame.Fail(canonical, in.RequestID, userMessage(err)))
			return
		}
		s.writeReply(ctx, frame.Ok(canonical, in.RequestID, nil))
	case frame.ActionChatMessage:
		msg := frame.Message{VideoID: in.VideoID, Username: in.Username, Content: in.Content, Timestamp: time.Now().Unix()}
		if err := s.deps.Chat.Post(in.VideoID, msg, s); err != nil {
			s.writeReply(ctx, frame.Fail(canonical, in.RequestID, userMessage(err)))
			return
		}
		s.writeReply(ctx, frame.Ok(canonical, in.RequestID, map[string]any{"message": msg}))
	default:
		s.writeReply(ctx, frame.Fail(canonical, in.RequestID, "unknown chat action"))
	}
}

// --- video worker (bounded parallel) ---

func (s *Session) videoWorker(ctx context.Context) {
	defer s.wg.Done()
	var inFlight atomic.Int32

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		spawned := false
		for int(inFlight.Load()) < s.videoCap {
			select {
			case <-ctx.Done():
				return
			case in, ok := <-s.videoQ:
				if !ok {
					return
				}
				inFlight.Add(1)
				s.wg.Add(1)
				go func(in frame.Inbound) {
					defer s.wg.Done()
					defer inFlight.Add(-1)
					s.handleVideo(ctx, in)
				}(in)
				spawned = true
			case <-time.After(videoPollTimeout):
				spawned = false
			}
			if !spawned {
				break
			}
		}

		select {
		case <-time.After(videoReapSleep):
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) handleVideo(ctx context.Context, in frame.Inbound) {
	ctx, span := s.dispatchSpan(ctx, "video", in)
	defer span.End()
	if in.Options.VideoID != "" {
		ctx = logging.WithVideoID(ctx, in.Options.VideoID)
	}

	canonical := frame.CanonicalAction(in.Action)

	lease, err := s.deps.Pool.Lease(ctx, leaseMaxWait)
	if err != nil {
		s.writeReply(ctx, frame.Fail(canonical, in.RequestID, "no video worker available"))
		return
	}
	defer lease.Release()

	vp := s.buildVideoParams(in, false)
	dataURI, err := s.deps.VideoClient.Generate(ctx, vp, lease, func(isTimeout bool) {
		s.deps.Pool.ReportFailure(lease, isTimeout)
	})
	if err != nil {
		if apperr.Is(err, apperr.KindGenerationTimeout) || apperr.Is(err, apperr.KindGenerationPaused) {
			s.writeReply(ctx, frame.Outbound{
				Action: canonical, RequestID: in.RequestID, Success: false,
				Error:  userMessage(err),
				Fields: map[string]any{"video": ""},
			})
			return
		}
		s.writeReply(ctx, frame.Fail(canonical, in.RequestID, "video generation failed"))
		return
	}
	s.writeReply(ctx, frame.Ok(canonical, in.RequestID, map[string]any{"video": dataURI}))
}

func (s *Session) handleThumbnail(ctx context.Context, in frame.Inbound) {
	ctx, span := s.dispatchSpan(ctx, "thumbnail", in)
	defer span.End()
	if in.Options.VideoID != "" {
		ctx = logging.WithVideoID(ctx, in.Options.VideoID)
	}

	canonical := frame.ActionGenerateThumbnail
	if frame.IsLegacyThumbnailAction(in.Action) {
		logging.Info(ctx, "deprecated thumbnail action used", zap.String("action", in.Action))
	}

	lease, err := s.deps.Pool.Lease(ctx, leaseMaxWait)
	if err != nil {
		s.writeReply(ctx, frame.Fail(canonical, in.RequestID, "no video worker available"))
		return
	}
	defer lease.Release()

	vp := s.buildVideoParams(in, true)
	params := videoworker.ThumbnailParams(vp.Prompt, in.Options.NegativePrompt, vp.Seed, vp.GuidanceScale)
	dataURI, err := s.deps.VideoClient.Generate(ctx, params, lease, func(isTimeout bool) {
		s.deps.Pool.ReportFailure(lease, isTimeout)
	})
	if err != nil {
		s.writeReply(ctx, frame.Fail(canonical, in.RequestID, "thumbnail generation failed"))
		return
	}

	field := "thumbnail"
	if in.ThumbnailURLField != nil {
		field = "thumbnailUrl"
	}
	s.writeReply(ctx, frame.Ok(canonical, in.RequestID, map[string]any{field: dataURI}))
}

func (s *Session) buildVideoParams(in frame.Inbound, isThumbnail bool) videoworker.Params {
	overrides := roleconfig.VideoOverrides{
		Width:             ptrF64(in.Options.Width),
		Height:            ptrF64(in.Options.Height),
		NumFrames:         ptrF64(in.Options.NumFrames),
		NumInferenceSteps: ptrF64(in.Options.NumInferenceSteps),
		ClipFramerate:     ptrF64(in.Options.ClipFramerate),
	}
	clamped := s.deps.Roles.ResolveVideoParams(s.role, overrides, roleconfig.Orientation(in.Options.Orientation))

	prompt := in.Description
	if in.VideoPromptPrefix != "" {
		prompt = in.VideoPromptPrefix + " " + prompt
	}

	return videoworker.Params{
		Prompt:            prompt,
		NegativePrompt:    in.Options.NegativePrompt,
		Width:             clamped.Width,
		Height:            clamped.Height,
		NumFrames:         clamped.NumFrames,
		NumInferenceSteps: clamped.NumInferenceSteps,
		GuidanceScale:     guidanceScaleOrDefault(in.Options.GuidanceScale),
		Seed:              seedOrRandom(in.Options.Seed),
		Fps:               clamped.ClipFramerate,
		IsThumbnail:       isThumbnail,
	}
}

func ptrF64(i *int) *float64 {
	if i == nil {
		return nil
	}
	v := float64(*i)
	return &v
}

func guidanceScaleOrDefault(g *float64) float64 {
	if g != nil {
		return *g
	}
	return 7.5
}

func seedOrRandom(seed *uint32) uint32 {
	if seed != nil {
		return *seed
	}
	return rand.Uint32()
}

// --- caption (trivial, inline) ---

func (s *Session) handleCaption(ctx context.Context, in frame.Inbound) {
	canonical := frame.ActionGenerateCaption
	if in.Params == nil || strings.TrimSpace(in.Params.Title) == "" {
		s.writeReply(ctx, frame.Fail(canonical, in.RequestID, "params.title and params.description are required"))
		return
	}

	prompt := "Write a short, engaging one-sentence caption for a video titled \"" + in.Params.Title +
		"\" with description: " + in.Params.Description
	caption, err := s.deps.TextGen.Generate(ctx, prompt, textgen.Options{Temperature: 0.7, MaxTokens: 60})
	if err != nil {
		s.writeReply(ctx, frame.Fail(canonical, in.RequestID, "caption generation failed"))
		return
	}
	s.writeReply(ctx, frame.Ok(canonical, in.RequestID, map[string]any{"caption": strings.TrimSpace(caption)}))
}

// --- search worker (serial) ---

type searchDoc struct {
	Title       string `yaml:"title"`
	Description string `yaml:"description"`
}

func (s *Session) searchWorker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case in, ok := <-s.searchQ:
			if !ok {
				return
			}
			s.handleSearch(ctx, in)
		}
	}
}

func (s *Session) handleSearch(ctx context.Context, in frame.Inbound) {
	ctx, span := s.dispatchSpan(ctx, "search", in)
	defer span.End()

	canonical := frame.ActionSearch
	if strings.TrimSpace(in.Query) == "" {
		s.writeReply(ctx, frame.Fail(canonical, in.RequestID, "query is required"))
		return
	}

	var doc searchDoc
	var genErr error
	resolved := false

	for attempt := 0; attempt <= maxSearchRetries; attempt++ {
		temp := float32(searchBaseTemp) + float32(attempt)*0.15
		raw, err := s.deps.TextGen.Generate(ctx, buildSearchPrompt(in.Query, attempt), textgen.Options{Temperature: temp, MaxTokens: 200})
		if err != nil {
			genErr = err
			continue
		}
		genErr = nil
		if err := yaml.Unmarshal([]byte(raw), &doc); err != nil {
			genErr = err
			continue
		}
		// Placeholder-tag retry: retry at a higher temperature while
		// attempts remain, then fall back to the title.
		if placeholderPattern.MatchString(doc.Description) && attempt < maxSearchRetries {
			continue
		}
		resolved = true
		break
	}

	if !resolved && genErr != nil {
		s.writeReply(ctx, frame.Fail(canonical, in.RequestID, "search generation failed"))
		return
	}

	if doc.Title == "" {
		doc.Title = in.Query
	}
	if doc.Description == "" || placeholderPattern.MatchString(doc.Description) {
		doc.Description = doc.Title
	}

	stub := frame.VideoStub{
		ID:           uuid.NewString(),
		Title:        doc.Title,
		Description:  doc.Description,
		ThumbnailURL: "",
		VideoURL:     "",
		IsLatent:     true,
		UseFixedSeed: false,
		Seed:         seedOrRandom(nil),
		Views:        0,
		Tags:         []string{},
	}
	s.writeReply(ctx, frame.Ok(canonical, in.RequestID, map[string]any{"result": stub}))
}

func buildSearchPrompt(query string, attempt int) string {
	p := "Generate a YAML document with fields `title` and `description` describing a short AI-generated video for the search query: " + query
	if attempt > 0 {
		p += "\nThe previous attempt was malformed or contained placeholder text; produce a complete, concrete result this time."
	}
	return p
}

// --- simulation worker (serial) ---

func (s *Session) simulationWorker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case in, ok := <-s.simQ:
			if !ok {
				return
			}
			s.handleSimulate(ctx, in)
		}
	}
}

func (s *Session) handleSimulate(ctx context.Context, in frame.Inbound) {
	ctx, span := s.dispatchSpan(ctx, "simulation", in)
	defer span.End()

	canonical := frame.ActionSimulate
	prompt := buildSimulatePrompt(in)
	result, err := s.deps.TextGen.Generate(ctx, prompt, textgen.Options{Temperature: 0.9, MaxTokens: 300})
	if err != nil {
		s.writeReply(ctx, frame.Fail(canonical, in.RequestID, "simulation failed"))
		return
	}

	condensed := condenseHistory(in.CondensedHistory, result)
	s.writeReply(ctx, frame.Ok(canonical, in.RequestID, map[string]any{
		"evolved_description": strings.TrimSpace(result),
		"condensed_history":   condensed,
	}))
}

func buildSimulatePrompt(in frame.Inbound) string {
	var b strings.Builder
	b.WriteString("Evolve the scene description for a video titled \"")
	b.WriteString(in.OriginalTitle)
	b.WriteString("\".\nOriginal description: ")
	b.WriteString(in.OriginalDescription)
	b.WriteString("\nCurrent description: ")
	b.WriteString(in.CurrentDescription)
	if in.CondensedHistory != "" {
		b.WriteString("\nHistory so far: ")
		b.WriteString(in.CondensedHistory)
	}
	for _, m := range in.ChatMessages {
		b.WriteString("\n")
		b.WriteString(m.Username)
		b.WriteString(": ")
		b.WriteString(m.Content)
	}
	b.WriteString("\nProduce one evolved scene description.")
	return b.String()
}

const maxCondensedHistory = 2000

func condenseHistory(prior, latest string) string {
	combined := strings.TrimSpace(prior)
	if combined != "" {
		combined += " -> "
	}
	combined += strings.TrimSpace(latest)
	if len(combined) > maxCondensedHistory {
		combined = combined[len(combined)-maxCondensedHistory:]
	}
	return combined
}

func userMessage(err error) string {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return ae.Message
	}
	return err.Error()
}
