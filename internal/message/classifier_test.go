package message

import (
	"errors"
	"sync"
	"testing"
)

type recordingWriter struct {
	mu     sync.Mutex
	frames [][]byte
	err    error
}

func (w *recordingWriter) WriteFrame(p []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.frames = append(w.frames, append([]byte(nil), p...))
	return nil
}

type recordingSink struct {
	metas    []FileMeta
	chunks   []FileChunk
	chunkErr error
}

func (s *recordingSink) OnFileMeta(meta FileMeta) error {
	s.metas = append(s.metas, meta)
	return nil
}

func (s *recordingSink) OnFileChunk(chunk FileChunk) error {
	s.chunks = append(s.chunks, chunk)
	return s.chunkErr
}

type recordingObserver struct {
	connected []string
	texts     []string
	errs      []error
}

func (o *recordingObserver) PeerConnected(from string, conn Writer) {
	o.connected = append(o.connected, from)
}

func (o *recordingObserver) TextReceived(from, text string) {
	o.texts = append(o.texts, text)
}

func (o *recordingObserver) MessageError(from string, err error) {
	o.errs = append(o.errs, err)
}

func newTestClassifier() (*Classifier, *recordingSink, *recordingObserver) {
	sink := &recordingSink{}
	obs := &recordingObserver{}
	return NewClassifier(sink, obs, nil), sink, obs
}

func TestClassify_Connected(t *testing.T) {
	c, _, obs := newTestClassifier()
	if kind := c.Classify("abc123", []byte(Connected), &recordingWriter{}); kind != KindConnected {
		t.Fatalf("kind = %v", kind)
	}
	if len(obs.connected) != 1 || obs.connected[0] != "abc123" {
		t.Fatalf("connected = %v", obs.connected)
	}
}

func TestClassify_RoutesFileMessages(t *testing.T) {
	c, sink, obs := newTestClassifier()
	c.Classify("p", []byte(`{"type":"file-meta","fileId":"x","name":"a","mime":"","size":1,"totalChunks":1}`), nil)
	c.Classify("p", []byte(`{"type":"file-chunk","fileId":"x","index":0,"data":[9]}`), nil)
	if len(sink.metas) != 1 || len(sink.chunks) != 1 {
		t.Fatalf("metas=%d chunks=%d, want 1/1", len(sink.metas), len(sink.chunks))
	}
	if len(obs.texts) != 0 {
		t.Fatalf("file messages leaked to text: %v", obs.texts)
	}
}

func TestClassify_SinkErrorReported(t *testing.T) {
	c, sink, obs := newTestClassifier()
	sink.chunkErr = errors.New("missing metadata")
	c.Classify("p", []byte(`{"type":"file-chunk","fileId":"x","index":0,"data":[9]}`), nil)
	if len(obs.errs) != 1 {
		t.Fatalf("errs = %v, want 1", obs.errs)
	}
}

func TestClassify_HelloAutoReply(t *testing.T) {
	for _, greeting := range []string{"Hello", "hello", "  HELLO \n", "hElLo"} {
		c, _, obs := newTestClassifier()
		w := &recordingWriter{}
		if kind := c.Classify("p", []byte(greeting), w); kind != KindPlainText {
			t.Fatalf("kind = %v", kind)
		}
		if len(w.frames) != 1 || string(w.frames[0]) != HelloReply {
			t.Fatalf("%q: reply frames = %q", greeting, w.frames)
		}
		if len(obs.texts) != 1 || obs.texts[0] != greeting {
			t.Fatalf("%q: texts = %q", greeting, obs.texts)
		}
	}
}

func TestClassify_PlainTextNoReply(t *testing.T) {
	c, _, obs := newTestClassifier()
	w := &recordingWriter{}
	c.Classify("p", []byte("hello world"), w)
	if len(w.frames) != 0 {
		t.Fatalf("unexpected reply: %q", w.frames)
	}
	if len(obs.texts) != 1 {
		t.Fatalf("texts = %v", obs.texts)
	}
}

func TestClassify_HelloReplyWriteFailure(t *testing.T) {
	c, _, obs := newTestClassifier()
	w := &recordingWriter{err: errors.New("closed")}
	c.Classify("p", []byte("hello"), w)
	if len(obs.errs) != 1 {
		t.Fatalf("errs = %v, want write failure reported", obs.errs)
	}
	if len(obs.texts) != 1 {
		t.Fatalf("text should still be surfaced, got %v", obs.texts)
	}
}

func TestClassify_UnknownTypeReportedAndShown(t *testing.T) {
	c, sink, obs := newTestClassifier()
	raw := `{"type":"something-else"}`
	if kind := c.Classify("p", []byte(raw), nil); kind != KindPlainText {
		t.Fatalf("kind = %v, want plain text", kind)
	}
	if len(obs.errs) != 1 || !errors.Is(obs.errs[0], ErrUnknownMessageType) {
		t.Fatalf("errs = %v", obs.errs)
	}
	if len(obs.texts) != 1 || obs.texts[0] != raw {
		t.Fatalf("texts = %v", obs.texts)
	}
	if len(sink.metas)+len(sink.chunks) != 0 {
		t.Fatal("unknown type reached the transfer sink")
	}
}

func TestClassify_MalformedDropped(t *testing.T) {
	c, sink, obs := newTestClassifier()
	kind := c.Classify("p", []byte(`{"type":"file-meta","fileId":"x"}`), nil)
	if kind != KindInvalid {
		t.Fatalf("kind = %v, want invalid", kind)
	}
	if len(obs.errs) != 1 || !errors.Is(obs.errs[0], ErrMalformedMessage) {
		t.Fatalf("errs = %v", obs.errs)
	}
	if len(obs.texts) != 0 || len(sink.metas) != 0 {
		t.Fatal("malformed message should be dropped")
	}
}

func TestClassify_NilCollaborators(t *testing.T) {
	c := NewClassifier(nil, nil, nil)
	c.Classify("p", []byte(Connected), nil)
	c.Classify("p", []byte("hi"), nil)
	c.Classify("p", []byte(`{"type":"file-chunk","fileId":"x","index":0,"data":[1]}`), nil)
	c.Classify("p", []byte(`{"type":"bogus"}`), nil)
}
