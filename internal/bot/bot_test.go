package bot

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cale-agent/internal/domain"
	"cale-agent/internal/usecase"
)

type sent struct {
	chatID int64
	text   string
}

type fakeTransport struct {
	mu       sync.Mutex
	sent     []sent
	typing   int
	files    map[string][]byte
	sendErr  error
	download error

	// stallNotice makes the notice send hang until its context ends, then
	// closes noticeDone.
	stallNotice bool
	noticeDone  chan struct{}
}

func (f *fakeTransport) SendText(ctx context.Context, chatID int64, text string) error {
	if f.stallNotice && text == NoticeText {
		<-ctx.Done()
		close(f.noticeDone)
		return ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{chatID, text})
	return f.sendErr
}

func (f *fakeTransport) SendTyping(context.Context, int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing++
	return nil
}

func (f *fakeTransport) DownloadFile(_ context.Context, fileID string) ([]byte, error) {
	if f.download != nil {
		return nil, f.download
	}
	return f.files[fileID], nil
}

func (f *fakeTransport) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, s := range f.sent {
		out = append(out, s.text)
	}
	return out
}

type fakeMessenger struct {
	mu    sync.Mutex
	reply usecase.Reply
	delay time.Duration
	ins   []usecase.MessageInput

	inFlight, peak atomic.Int32
}

func (f *fakeMessenger) Handle(_ context.Context, in usecase.MessageInput) usecase.Reply {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	f.mu.Lock()
	f.ins = append(f.ins, in)
	f.mu.Unlock()
	time.Sleep(f.delay)
	return f.reply
}

type fakeForgetter struct {
	n   int
	err error
	ids []int64
}

func (f *fakeForgetter) Forget(_ context.Context, userID int64) (int, error) {
	f.ids = append(f.ids, userID)
	return f.n, f.err
}

type fakeTranscriber struct {
	text     string
	err      error
	audio    []byte
	filename string
}

func (f *fakeTranscriber) Transcribe(_ context.Context, audio []byte, filename string) (string, error) {
	f.audio, f.filename = audio, filename
	return f.text, f.err
}

func newDispatcher(t *testing.T, tr *fakeTransport, m *fakeMessenger, h *fakeForgetter, opts Options) *Dispatcher {
	t.Helper()
	if opts.NoticeDelay == 0 {
		opts.NoticeDelay = -1
	}
	d, err := NewDispatcher(tr, m, h, opts)
	require.NoError(t, err)
	return d
}

// ---------------------------------------------------------------------------
// Dispatcher
// ---------------------------------------------------------------------------

func TestNewDispatcher_Validation(t *testing.T) {
	_, err := NewDispatcher(nil, &fakeMessenger{}, &fakeForgetter{}, Options{})
	require.Error(t, err)
	_, err = NewDispatcher(&fakeTransport{}, nil, &fakeForgetter{}, Options{})
	require.Error(t, err)
	_, err = NewDispatcher(&fakeTransport{}, &fakeMessenger{}, nil, Options{})
	require.Error(t, err)
}

func TestDispatch_Start(t *testing.T) {
	tr := &fakeTransport{}
	d := newDispatcher(t, tr, &fakeMessenger{}, &fakeForgetter{}, Options{})

	d.Dispatch(context.Background(), domain.Inbound{ChatID: 1, UserID: 1, FirstName: "Ana", Text: "/start"})
	d.Dispatch(context.Background(), domain.Inbound{ChatID: 1, UserID: 1, Text: "/help@cale_bot"})

	got := tr.texts()
	require.Len(t, got, 2)
	require.Contains(t, got[0], "¡Hola Ana! 💃 Soy CAL-E")
	require.Contains(t, got[0], "/olvidar - Borra tu historial")
	require.Contains(t, got[1], "¡Hola viajero!")
}

func TestDispatch_Forget(t *testing.T) {
	cases := []struct {
		name string
		h    *fakeForgetter
		want string
	}{
		{"wiped", &fakeForgetter{n: 12}, ForgetDoneText},
		{"empty", &fakeForgetter{}, ForgetEmptyText},
		{"failure", &fakeForgetter{err: errors.New("database is locked")}, ForgetFailedText},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr := &fakeTransport{}
			d := newDispatcher(t, tr, &fakeMessenger{}, tc.h, Options{})
			d.Dispatch(context.Background(), domain.Inbound{ChatID: 4, UserID: 44, Text: "/olvidar"})
			require.Equal(t, []string{tc.want}, tr.texts())
			require.Equal(t, []int64{44}, tc.h.ids)
		})
	}
}

func TestDispatch_TextGoesToMessageHandler(t *testing.T) {
	tr := &fakeTransport{}
	m := &fakeMessenger{reply: usecase.Reply{Text: "Cristo Rey 🗿", Outcome: usecase.OutcomeAnswered, Attempts: 1}}
	d := newDispatcher(t, tr, m, &fakeForgetter{}, Options{})

	d.Dispatch(context.Background(), domain.Inbound{ChatID: 9, UserID: 99, Text: " Háblame de Cristo Rey "})
	require.Equal(t, []usecase.MessageInput{{UserID: 99, Text: "Háblame de Cristo Rey"}}, m.ins)
	require.Equal(t, 1, tr.typing)
	require.Equal(t, []sent{{9, "Cristo Rey 🗿"}}, tr.sent)
}

func TestDispatch_IgnoresUnknownCommandsAndEmpty(t *testing.T) {
	tr := &fakeTransport{}
	m := &fakeMessenger{}
	d := newDispatcher(t, tr, m, &fakeForgetter{}, Options{})

	d.Dispatch(context.Background(), domain.Inbound{ChatID: 1, Text: "/settings"})
	d.Dispatch(context.Background(), domain.Inbound{ChatID: 1})
	require.Empty(t, m.ins)
	require.Empty(t, tr.sent)
}

func TestDispatch_Voice(t *testing.T) {
	tr := &fakeTransport{files: map[string][]byte{"f1": []byte("OggS")}}
	m := &fakeMessenger{reply: usecase.Reply{Text: "ok"}}
	st := &fakeTranscriber{text: " ¿dónde como sancocho? "}
	d := newDispatcher(t, tr, m, &fakeForgetter{}, Options{Transcriber: st})

	d.Dispatch(context.Background(), domain.Inbound{ChatID: 2, UserID: 3, Voice: &domain.VoiceNote{FileID: "f1", MimeType: "audio/ogg"}})
	require.Equal(t, []byte("OggS"), st.audio)
	require.Equal(t, "voice.ogg", st.filename)
	require.Equal(t, []usecase.MessageInput{{UserID: 3, Text: "¿dónde como sancocho?"}}, m.ins)
	require.Equal(t, []string{"ok"}, tr.texts())
}

func TestDispatch_VoiceFailures(t *testing.T) {
	voice := domain.Inbound{ChatID: 2, UserID: 3, Voice: &domain.VoiceNote{FileID: "f1"}}
	cases := []struct {
		name string
		tr   *fakeTransport
		st   Transcriber
	}{
		{"no transcriber", &fakeTransport{}, nil},
		{"download", &fakeTransport{download: errors.New("404")}, &fakeTranscriber{text: "x"}},
		{"stt error", &fakeTransport{}, &fakeTranscriber{err: errors.New("503")}},
		{"blank", &fakeTransport{}, &fakeTranscriber{text: "  "}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := &fakeMessenger{}
			d := newDispatcher(t, tc.tr, m, &fakeForgetter{}, Options{Transcriber: tc.st})
			d.Dispatch(context.Background(), voice)
			require.Empty(t, m.ins)
			require.Equal(t, []string{VoiceFailedText}, tc.tr.texts())
		})
	}
}

func TestDispatch_NoticeSentWhenSlow(t *testing.T) {
	tr := &fakeTransport{}
	m := &fakeMessenger{reply: usecase.Reply{Text: "listo"}, delay: 60 * time.Millisecond}
	d := newDispatcher(t, tr, m, &fakeForgetter{}, Options{NoticeDelay: 5 * time.Millisecond})

	d.Dispatch(context.Background(), domain.Inbound{ChatID: 1, UserID: 1, Text: "hola"})
	require.Equal(t, []string{NoticeText, "listo"}, tr.texts())
}

func TestDispatch_NoticeCancelledWhenFast(t *testing.T) {
	tr := &fakeTransport{}
	m := &fakeMessenger{reply: usecase.Reply{Text: "listo"}}
	d := newDispatcher(t, tr, m, &fakeForgetter{}, Options{NoticeDelay: 30 * time.Millisecond})

	d.Dispatch(context.Background(), domain.Inbound{ChatID: 1, UserID: 1, Text: "hola"})
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, []string{"listo"}, tr.texts())
}

func TestDispatch_StalledNoticeDoesNotDelayReply(t *testing.T) {
	tr := &fakeTransport{stallNotice: true, noticeDone: make(chan struct{})}
	m := &fakeMessenger{reply: usecase.Reply{Text: "listo"}, delay: 30 * time.Millisecond}
	d := newDispatcher(t, tr, m, &fakeForgetter{}, Options{NoticeDelay: time.Millisecond})

	done := make(chan struct{})
	go func() {
		d.Dispatch(context.Background(), domain.Inbound{ChatID: 1, UserID: 1, Text: "hola"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reply blocked behind the notice send")
	}
	require.Equal(t, []string{"listo"}, tr.texts())

	select {
	case <-tr.noticeDone:
	case <-time.After(2 * time.Second):
		t.Fatal("notice send was not cancelled")
	}
}

func TestDispatch_SendFailureDoesNotPanic(t *testing.T) {
	tr := &fakeTransport{sendErr: errors.New("forbidden: bot was blocked")}
	m := &fakeMessenger{reply: usecase.Reply{Text: "x"}, delay: 20 * time.Millisecond}
	d := newDispatcher(t, tr, m, &fakeForgetter{}, Options{NoticeDelay: time.Millisecond})

	require.NotPanics(t, func() {
		d.Dispatch(context.Background(), domain.Inbound{ChatID: 1, UserID: 1, Text: "hola"})
	})
	require.Len(t, m.ins, 1)
}

func TestVoiceFilename(t *testing.T) {
	require.Equal(t, "voice.mp3", voiceFilename("audio/mpeg"))
	require.Equal(t, "voice.ogg", voiceFilename(""))
}

// ---------------------------------------------------------------------------
// Runner
// ---------------------------------------------------------------------------

func TestRunner_BoundsConcurrency(t *testing.T) {
	tr := &fakeTransport{}
	m := &fakeMessenger{reply: usecase.Reply{Text: "ok"}, delay: 20 * time.Millisecond}
	d := newDispatcher(t, tr, m, &fakeForgetter{}, Options{})
	r, err := NewRunner(d, 2, nil)
	require.NoError(t, err)

	updates := make(chan domain.Inbound)
	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background(), updates) }()
	for i := range 6 {
		updates <- domain.Inbound{UpdateID: int64(i), ChatID: int64(i), UserID: int64(i), Text: "hola"}
	}
	close(updates)

	require.NoError(t, <-done)
	require.Len(t, tr.texts(), 6)
	require.LessOrEqual(t, m.peak.Load(), int32(2))
	require.GreaterOrEqual(t, m.peak.Load(), int32(1))
}

func TestRunner_StopsOnCancel(t *testing.T) {
	d := newDispatcher(t, &fakeTransport{}, &fakeMessenger{}, &fakeForgetter{}, Options{})
	r, err := NewRunner(d, 0, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, r.Run(ctx, make(chan domain.Inbound)), context.Canceled)

	_, err = NewRunner(nil, 1, nil)
	require.Error(t, err)
}
