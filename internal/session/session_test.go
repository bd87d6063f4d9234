package session

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/johnbuck/voxbridge/internal/audio"
	"github.com/johnbuck/voxbridge/internal/config"
	"github.com/johnbuck/voxbridge/internal/media"
	"github.com/johnbuck/voxbridge/internal/stt"
)

// --- test doubles ---

type sinkCall struct {
	kind    string
	text    string
	silence time.Duration
	elapsed time.Duration
	max     time.Duration
	errType string
}

type fakeSink struct {
	mu    sync.Mutex
	calls []sinkCall
}

func (f *fakeSink) record(c sinkCall) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
}

func (f *fakeSink) PartialTranscript(_, text string) {
	f.record(sinkCall{kind: "partial", text: text})
}

func (f *fakeSink) FinalTranscript(_, text string) {
	f.record(sinkCall{kind: "final", text: text})
}

func (f *fakeSink) StopListeningSilence(_ string, silence time.Duration) {
	f.record(sinkCall{kind: "stop_silence", silence: silence})
}

func (f *fakeSink) StopListeningMaxUtterance(_ string, elapsed, max time.Duration) {
	f.record(sinkCall{kind: "stop_max", elapsed: elapsed, max: max})
}

func (f *fakeSink) AIResponseChunk(_, text string) {
	f.record(sinkCall{kind: "ai_chunk", text: text})
}

func (f *fakeSink) AIResponseComplete(_, text string) {
	f.record(sinkCall{kind: "ai_complete", text: text})
}

func (f *fakeSink) Error(_, errType, _ string) {
	f.record(sinkCall{kind: "error", errType: errType})
}

func (f *fakeSink) byKind(kind string) []sinkCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sinkCall
	for _, c := range f.calls {
		if c.kind == kind {
			out = append(out, c)
		}
	}
	return out
}

type fakeBridge struct {
	mu      sync.Mutex
	started int
	flushed int
	closed  bool
	pcm     [][]int16
	results chan *stt.Result
	errs    chan error

	startFailures int // transient failures before Start succeeds
	startErr      error
	sendErr       error
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{
		results: make(chan *stt.Result, 16),
		errs:    make(chan error, 4),
	}
}

func (b *fakeBridge) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.started++
	if b.started <= b.startFailures {
		return errors.New("dial transcription: connection refused")
	}
	return b.startErr
}

func (b *fakeBridge) SendPCM(pcm []int16) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sendErr != nil {
		return b.sendErr
	}
	b.pcm = append(b.pcm, append([]int16(nil), pcm...))
	return nil
}

func (b *fakeBridge) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushed++
	return nil
}

func (b *fakeBridge) Results() <-chan *stt.Result { return b.results }
func (b *fakeBridge) Errors() <-chan error        { return b.errs }
func (b *fakeBridge) Stop() error                 { return nil }

func (b *fakeBridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.results)
	}
	return nil
}

func (b *fakeBridge) flushCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushed
}

func (b *fakeBridge) sentFrames() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pcm)
}

// stubCodec decodes every packet into a fixed mono PCM frame.
type stubCodec struct{ info media.CodecInfo }

func (c *stubCodec) Decode(packet []byte) (audio.PCM, error) {
	if len(packet) == 0 {
		return audio.PCM{}, errors.New("empty packet")
	}
	return audio.PCM{
		Data:       []int16{1, 2, 3, 4},
		Channels:   c.info.Channels,
		SampleRate: c.info.SampleRate,
		Layout:     audio.LayoutInterleaved,
	}, nil
}

func (c *stubCodec) Info() media.CodecInfo { return c.info }

// --- stream construction helpers ---

var testCRCTable = func() [256]uint32 {
	var table [256]uint32
	for i := 0; i < 256; i++ {
		r := uint32(i) << 24
		for j := 0; j < 8; j++ {
			if r&0x80000000 != 0 {
				r = (r << 1) ^ 0x04c11db7
			} else {
				r <<= 1
			}
		}
		table[i] = r
	}
	return table
}()

// testPage builds one complete page with each packet terminated by its own
// lacing run.
func testPage(t *testing.T, headerType byte, seq uint32, packets ...[]byte) []byte {
	t.Helper()
	var laces []byte
	var payload []byte
	for _, p := range packets {
		n := len(p)
		for n >= 255 {
			laces = append(laces, 255)
			n -= 255
		}
		laces = append(laces, byte(n))
		payload = append(payload, p...)
	}
	if len(laces) > 255 {
		t.Fatalf("too many lacing values: %d", len(laces))
	}
	page := make([]byte, 0, 27+len(laces)+len(payload))
	page = append(page, 'O', 'g', 'g', 'S', 0, headerType)
	page = append(page, make([]byte, 8)...) // granule
	page = binary.LittleEndian.AppendUint32(page, 0xcafe)
	page = binary.LittleEndian.AppendUint32(page, seq)
	page = append(page, 0, 0, 0, 0) // crc placeholder
	page = append(page, byte(len(laces)))
	page = append(page, laces...)
	page = append(page, payload...)

	crc := uint32(0)
	for _, b := range page {
		crc = (crc << 8) ^ testCRCTable[byte(crc>>24)^b]
	}
	binary.LittleEndian.PutUint32(page[22:26], crc)
	return page
}

func opusHeadPacket(channels byte) []byte {
	p := make([]byte, 19)
	copy(p, "OpusHead")
	p[8] = 1
	p[9] = channels
	binary.LittleEndian.PutUint16(p[10:12], 312) // pre-skip
	binary.LittleEndian.PutUint32(p[12:16], 48000)
	return p
}

func opusTagsPacket() []byte {
	p := []byte("OpusTags")
	p = binary.LittleEndian.AppendUint32(p, 0) // vendor length
	p = binary.LittleEndian.AppendUint32(p, 0) // comment count
	return p
}

// headerChunk is the stream preamble: identification page then comment page.
func headerChunk(t *testing.T) []byte {
	t.Helper()
	head := testPage(t, 0x02, 0, opusHeadPacket(1))
	tags := testPage(t, 0x00, 1, opusTagsPacket())
	return append(head, tags...)
}

// --- session wiring helpers ---

func testConfig(silenceMs, maxMs, pollMs int) *config.Config {
	return &config.Config{
		SilenceThresholdMs:    silenceMs,
		MaxUtteranceTimeMs:    maxMs,
		MonitorPollIntervalMs: pollMs,
		DecodeBufferLimit:     1 << 20,
		EventQueueSize:        64,
		RetryMaxAttempts:      3,
		RetryInitialBackoff:   1,
	}
}

func newTestSession(t *testing.T, cfg *config.Config) (*Session, *fakeSink, *fakeBridge) {
	t.Helper()
	sink := &fakeSink{}
	bridge := newFakeBridge()
	dec := media.NewDecoder(media.DecoderConfig{
		BufferLimit: cfg.DecodeBufferLimit,
		NewCodec: func(info media.CodecInfo) (media.Codec, error) {
			return &stubCodec{info: info}, nil
		},
	})
	s := New("sess-test", Options{
		Config:    cfg,
		Decoder:   dec,
		NewBridge: func(media.CodecInfo) (stt.Bridge, error) { return bridge, nil },
		Sink:      sink,
		Logger:    zerolog.Nop(),
	})
	return s, sink, bridge
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

// --- tests ---

func TestSession_IngestBeforeBindRejected(t *testing.T) {
	s, _, _ := newTestSession(t, testConfig(600, 45000, 100))
	defer s.Close()

	if err := s.Ingest([]byte{1, 2, 3}, time.Now()); err == nil {
		t.Fatal("expected ingest on a connecting session to fail")
	}
}

func TestSession_DecodedAudioReachesBridge(t *testing.T) {
	s, _, bridge := newTestSession(t, testConfig(600, 45000, 100))
	s.Activate()
	defer s.Close()

	if err := s.Ingest(headerChunk(t), time.Now()); err != nil {
		t.Fatalf("header ingest: %v", err)
	}
	audioPage := testPage(t, 0x00, 2, []byte{0xaa, 0xbb}, []byte{0xcc})
	if err := s.Ingest(audioPage, time.Now()); err != nil {
		t.Fatalf("audio ingest: %v", err)
	}

	if got := bridge.sentFrames(); got != 2 {
		t.Fatalf("expected 2 PCM frames at the bridge, got %d", got)
	}
	bridge.mu.Lock()
	started := bridge.started
	bridge.mu.Unlock()
	if started != 1 {
		t.Fatalf("bridge started %d times, want 1", started)
	}
}

func TestSession_TranscriptRelay(t *testing.T) {
	s, sink, bridge := newTestSession(t, testConfig(600, 45000, 100))
	s.Activate()
	defer s.Close()

	s.Ingest(headerChunk(t), time.Now())
	s.Ingest(testPage(t, 0x00, 2, []byte{0x01}), time.Now())

	bridge.results <- &stt.Result{Text: "hello", IsFinal: false}
	bridge.results <- &stt.Result{Text: "hello world", IsFinal: true}

	waitFor(t, time.Second, func() bool {
		return len(sink.byKind("final")) == 1
	})
	partials := sink.byKind("partial")
	if len(partials) != 1 || partials[0].text != "hello" {
		t.Fatalf("unexpected partials: %+v", partials)
	}
	finals := sink.byKind("final")
	if finals[0].text != "hello world" {
		t.Fatalf("unexpected final text %q", finals[0].text)
	}
	if got := s.PartialText(); got != "hello" {
		t.Fatalf("partial accumulator = %q, want %q", got, "hello")
	}
}

func TestSession_BridgeErrorSurfacedNotFatal(t *testing.T) {
	s, sink, bridge := newTestSession(t, testConfig(600, 45000, 100))
	s.Activate()
	defer s.Close()

	s.Ingest(headerChunk(t), time.Now())
	s.Ingest(testPage(t, 0x00, 2, []byte{0x01}), time.Now())

	bridge.errs <- errors.New("reconnect attempts exhausted")
	waitFor(t, time.Second, func() bool {
		return len(sink.byKind("error")) == 1
	})
	if sink.byKind("error")[0].errType != "transcription_unavailable" {
		t.Fatalf("unexpected error type %q", sink.byKind("error")[0].errType)
	}
	if s.State() != StateListening {
		t.Fatalf("session should stay listening, state = %v", s.State())
	}
}

func TestSession_DecodeErrorKeepsSessionAlive(t *testing.T) {
	s, sink, _ := newTestSession(t, testConfig(600, 45000, 100))
	s.Activate()
	defer s.Close()

	before := time.Now()
	if err := s.Ingest([]byte("definitely not a container page"), before); err != nil {
		t.Fatalf("ingest returned %v, decode failures must not be fatal", err)
	}
	if len(sink.byKind("error")) != 1 {
		t.Fatalf("expected one decode error event, got %d", len(sink.byKind("error")))
	}
	if s.State() != StateListening {
		t.Fatalf("state = %v after decode error, want listening", s.State())
	}

	// The stream recovers on the next well-formed chunk.
	if err := s.Ingest(headerChunk(t), time.Now()); err != nil {
		t.Fatalf("recovery ingest: %v", err)
	}
}

func TestSession_SilenceFinalizesOnce(t *testing.T) {
	cfg := testConfig(150, 5000, 20)
	s, sink, bridge := newTestSession(t, cfg)
	s.Activate()
	defer s.Close()

	s.Ingest(headerChunk(t), time.Now())
	s.Ingest(testPage(t, 0x00, 2, []byte{0x01}), time.Now())

	waitFor(t, 2*time.Second, func() bool {
		return len(sink.byKind("stop_silence")) >= 1
	})
	// Several poll intervals after the trigger: still exactly one event.
	time.Sleep(150 * time.Millisecond)

	stops := sink.byKind("stop_silence")
	if len(stops) != 1 {
		t.Fatalf("silence finalized %d times, want exactly 1", len(stops))
	}
	if stops[0].silence < cfg.SilenceThreshold() {
		t.Fatalf("reported silence %v below threshold %v", stops[0].silence, cfg.SilenceThreshold())
	}
	// Detection latency is bounded by one poll interval plus scheduling
	// slack; a late-firing monitor must not pass.
	slack := 100 * time.Millisecond
	if limit := cfg.SilenceThreshold() + cfg.MonitorPollInterval() + slack; stops[0].silence >= limit {
		t.Fatalf("reported silence %v at or above detection bound %v", stops[0].silence, limit)
	}
	if bridge.flushCount() != 1 {
		t.Fatalf("bridge flushed %d times, want 1", bridge.flushCount())
	}
	if s.State() != StateListening {
		t.Fatalf("state after finalize = %v, want listening", s.State())
	}
}

func TestSession_SilenceDoesNotRefireWhileIdle(t *testing.T) {
	cfg := testConfig(100, 5000, 20)
	s, sink, _ := newTestSession(t, cfg)
	s.Activate()
	defer s.Close()

	s.Ingest(headerChunk(t), time.Now())
	s.Ingest(testPage(t, 0x00, 2, []byte{0x01}), time.Now())

	waitFor(t, 2*time.Second, func() bool {
		return len(sink.byKind("stop_silence")) == 1
	})

	// No further audio arrives; the monitor keeps polling an idle session.
	time.Sleep(400 * time.Millisecond)
	if got := len(sink.byKind("stop_silence")); got != 1 {
		t.Fatalf("idle session re-finalized: %d stop events", got)
	}
}

func TestSession_IntermittentSpeechResetsSilenceClock(t *testing.T) {
	cfg := testConfig(200, 10000, 20)
	s, sink, _ := newTestSession(t, cfg)
	s.Activate()
	defer s.Close()

	s.Ingest(headerChunk(t), time.Now())
	seq := uint32(2)
	// Gaps shorter than the threshold must not finalize.
	for i := 0; i < 4; i++ {
		s.Ingest(testPage(t, 0x00, seq, []byte{0x01}), time.Now())
		seq++
		time.Sleep(80 * time.Millisecond)
	}
	if got := len(sink.byKind("stop_silence")); got != 0 {
		t.Fatalf("finalized during active speech: %d stop events", got)
	}

	waitFor(t, 2*time.Second, func() bool {
		return len(sink.byKind("stop_silence")) == 1
	})
}

func TestSession_MaxUtteranceFinalizes(t *testing.T) {
	cfg := testConfig(5000, 300, 20)
	s, sink, _ := newTestSession(t, cfg)
	s.Activate()
	defer s.Close()

	s.Ingest(headerChunk(t), time.Now())
	seq := uint32(2)
	done := make(chan struct{})
	go func() {
		defer close(done)
		// Keep audio flowing so the silence trigger never applies.
		for i := 0; i < 40; i++ {
			if len(sink.byKind("stop_max")) > 0 {
				return
			}
			s.Ingest(testPage(t, 0x00, seq, []byte{0x01}), time.Now())
			seq++
			time.Sleep(20 * time.Millisecond)
		}
	}()
	<-done

	waitFor(t, 2*time.Second, func() bool {
		return len(sink.byKind("stop_max")) >= 1
	})
	stops := sink.byKind("stop_max")
	if len(stops) != 1 {
		t.Fatalf("max-utterance finalized %d times, want 1", len(stops))
	}
	if stops[0].max != cfg.MaxUtteranceTime() {
		t.Fatalf("reported max %v, want %v", stops[0].max, cfg.MaxUtteranceTime())
	}
	if stops[0].elapsed < cfg.MaxUtteranceTime() {
		t.Fatalf("reported elapsed %v below limit %v", stops[0].elapsed, cfg.MaxUtteranceTime())
	}
}

func TestSession_StopByClientFinalizes(t *testing.T) {
	cfg := testConfig(5000, 60000, 50)
	s, sink, bridge := newTestSession(t, cfg)
	s.Activate()
	defer s.Close()

	s.Ingest(headerChunk(t), time.Now())
	s.Ingest(testPage(t, 0x00, 2, []byte{0x01}), time.Now())

	s.StopByClient()
	waitFor(t, time.Second, func() bool {
		return len(sink.byKind("stop_silence")) == 1
	})
	if bridge.flushCount() != 1 {
		t.Fatalf("bridge flushed %d times, want 1", bridge.flushCount())
	}
}

func TestSession_DuplicateFinalizeGuarded(t *testing.T) {
	cfg := testConfig(5000, 60000, 50)
	s, sink, _ := newTestSession(t, cfg)
	s.Activate()
	defer s.Close()

	s.Ingest(headerChunk(t), time.Now())
	s.Ingest(testPage(t, 0x00, 2, []byte{0x01}), time.Now())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.StopByClient()
		}()
	}
	wg.Wait()

	waitFor(t, time.Second, func() bool {
		return len(sink.byKind("stop_silence")) >= 1
	})
	time.Sleep(100 * time.Millisecond)
	if got := len(sink.byKind("stop_silence")); got != 1 {
		t.Fatalf("concurrent stops produced %d finalizations, want 1", got)
	}
}

func TestSession_ArrivalClockIndependentOfDecode(t *testing.T) {
	cfg := testConfig(200, 10000, 20)
	s, sink, _ := newTestSession(t, cfg)
	s.Activate()
	defer s.Close()

	s.Ingest(headerChunk(t), time.Now())
	s.Ingest(testPage(t, 0x00, 2, []byte{0x01}), time.Now())

	// Garbage chunks still count as arrivals: they hold the silence clock
	// open even though nothing decodes.
	for i := 0; i < 6; i++ {
		s.Ingest([]byte("garbage garbage garbage garbage"), time.Now())
		time.Sleep(60 * time.Millisecond)
	}
	if got := len(sink.byKind("stop_silence")); got != 0 {
		t.Fatalf("finalized despite ongoing arrivals: %d stop events", got)
	}
}

func TestSession_NewUtteranceAfterFinalize(t *testing.T) {
	cfg := testConfig(120, 5000, 20)
	s, sink, bridge := newTestSession(t, cfg)
	s.Activate()
	defer s.Close()

	s.Ingest(headerChunk(t), time.Now())
	s.Ingest(testPage(t, 0x00, 2, []byte{0x01}), time.Now())

	waitFor(t, 2*time.Second, func() bool {
		return len(sink.byKind("stop_silence")) == 1
	})

	// Second utterance on the same session and the same bound header.
	s.Ingest(testPage(t, 0x00, 3, []byte{0x02}), time.Now())
	waitFor(t, 2*time.Second, func() bool {
		return len(sink.byKind("stop_silence")) == 2
	})
	if bridge.flushCount() != 2 {
		t.Fatalf("bridge flushed %d times across two utterances, want 2", bridge.flushCount())
	}
}

func TestSession_CloseIsIdempotentAndStopsMonitor(t *testing.T) {
	s, _, bridge := newTestSession(t, testConfig(100, 5000, 10))
	s.Activate()

	s.Ingest(headerChunk(t), time.Now())
	s.Ingest(testPage(t, 0x00, 2, []byte{0x01}), time.Now())

	s.Close()
	s.Close()

	bridge.mu.Lock()
	closed := bridge.closed
	bridge.mu.Unlock()
	if !closed {
		t.Fatal("bridge not closed on session close")
	}
	if s.State() != StateClosed {
		t.Fatalf("state = %v, want closed", s.State())
	}
	if err := s.Ingest([]byte{1}, time.Now()); !errors.Is(err, ErrClosed) {
		t.Fatalf("ingest after close returned %v, want ErrClosed", err)
	}
}

func TestSession_BridgeStartRetriesTransientFailure(t *testing.T) {
	s, sink, bridge := newTestSession(t, testConfig(600, 45000, 100))
	bridge.startFailures = 2 // succeeds on the third attempt
	s.Activate()
	defer s.Close()

	s.Ingest(headerChunk(t), time.Now())
	if err := s.Ingest(testPage(t, 0x00, 2, []byte{0x01}), time.Now()); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	bridge.mu.Lock()
	started := bridge.started
	bridge.mu.Unlock()
	if started != 3 {
		t.Fatalf("bridge Start attempted %d times, want 3", started)
	}
	if got := bridge.sentFrames(); got != 1 {
		t.Fatalf("expected 1 PCM frame after retried connect, got %d", got)
	}
	if len(sink.byKind("error")) != 0 {
		t.Fatalf("transient dial failures must not surface: %+v", sink.byKind("error"))
	}
}

func TestSession_BridgeStartNonRetryableFailsFast(t *testing.T) {
	s, sink, bridge := newTestSession(t, testConfig(600, 45000, 100))
	bridge.startErr = errors.New("invalid api key")
	s.Activate()
	defer s.Close()

	s.Ingest(headerChunk(t), time.Now())
	if err := s.Ingest(testPage(t, 0x00, 2, []byte{0x01}), time.Now()); err != nil {
		t.Fatalf("ingest must not fail the session: %v", err)
	}

	bridge.mu.Lock()
	started := bridge.started
	bridge.mu.Unlock()
	if started != 1 {
		t.Fatalf("non-retryable Start attempted %d times, want 1", started)
	}
	errsSeen := sink.byKind("error")
	if len(errsSeen) != 1 || errsSeen[0].errType != "transcription_unavailable" {
		t.Fatalf("unexpected error events: %+v", errsSeen)
	}
}

func TestSession_RespondRelaysToSink(t *testing.T) {
	s, sink, _ := newTestSession(t, testConfig(600, 45000, 100))
	s.Activate()
	defer s.Close()

	if err := s.Respond("one moment", false); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if err := s.Respond("here is your answer", true); err != nil {
		t.Fatalf("Respond: %v", err)
	}

	chunks := sink.byKind("ai_chunk")
	if len(chunks) != 1 || chunks[0].text != "one moment" {
		t.Fatalf("unexpected chunks: %+v", chunks)
	}
	completes := sink.byKind("ai_complete")
	if len(completes) != 1 || completes[0].text != "here is your answer" {
		t.Fatalf("unexpected completes: %+v", completes)
	}

	s.Close()
	if err := s.Respond("late", false); !errors.Is(err, ErrClosed) {
		t.Fatalf("Respond after close returned %v, want ErrClosed", err)
	}
}

func TestSession_BridgeFactoryFailureSurfaced(t *testing.T) {
	sink := &fakeSink{}
	dec := media.NewDecoder(media.DecoderConfig{
		NewCodec: func(info media.CodecInfo) (media.Codec, error) {
			return &stubCodec{info: info}, nil
		},
	})
	s := New("sess-fail", Options{
		Config:  testConfig(600, 45000, 100),
		Decoder: dec,
		NewBridge: func(media.CodecInfo) (stt.Bridge, error) {
			return nil, fmt.Errorf("dial upstream: connection refused")
		},
		Sink:   sink,
		Logger: zerolog.Nop(),
	})
	s.Activate()
	defer s.Close()

	s.Ingest(headerChunk(t), time.Now())
	if err := s.Ingest(testPage(t, 0x00, 2, []byte{0x01}), time.Now()); err != nil {
		t.Fatalf("ingest must not fail the session: %v", err)
	}
	errsSeen := sink.byKind("error")
	if len(errsSeen) != 1 || errsSeen[0].errType != "transcription_unavailable" {
		t.Fatalf("unexpected error events: %+v", errsSeen)
	}
}
