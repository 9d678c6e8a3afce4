package promoter

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"stokbro/internal/metrics"
	"stokbro/internal/models"
)

var sharedMetrics = metrics.New()

type fakeSink struct {
	mu    sync.Mutex
	puts  map[string][]byte
	types map[string]string
	err   error
}

func newFakeSink() *fakeSink {
	return &fakeSink{puts: map[string][]byte{}, types: map[string]string{}}
}

func (f *fakeSink) Put(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts[key] = append([]byte(nil), body...)
	f.types[key] = contentType
	return "https://cdn.example.com/" + key, nil
}

func (f *fakeSink) HealthCheck(ctx context.Context) error { return nil }
func (f *fakeSink) Type() string                          { return "fake" }

func vendorServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

var ref = models.ResourceRef{ID: "987", Platform: models.Freepik}

func TestPromote_Success(t *testing.T) {
	srv := vendorServer(t, http.StatusOK, "%!PS-Adobe")
	sink := newFakeSink()
	p := New(sink, 1<<20, time.Second, zap.NewNop(), sharedMetrics)

	res, err := p.Promote(context.Background(), ref, "eps", srv.URL)
	require.NoError(t, err)

	assert.Equal(t, int64(len("%!PS-Adobe")), res.ByteSize)
	assert.True(t, strings.HasPrefix(res.Key, "freepik/987/eps/"), res.Key)
	assert.True(t, strings.HasSuffix(res.Key, ".eps"), res.Key)
	assert.Equal(t, "https://cdn.example.com/"+res.Key, res.PermanentURL)
	assert.Equal(t, "application/postscript", sink.types[res.Key])
	assert.Equal(t, []byte("%!PS-Adobe"), sink.puts[res.Key])
}

func TestPromote_UnknownFormatIsOctetStream(t *testing.T) {
	srv := vendorServer(t, http.StatusOK, "xx")
	sink := newFakeSink()
	p := New(sink, 0, time.Second, zap.NewNop(), sharedMetrics)

	res, err := p.Promote(context.Background(), ref, "blend", srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "application/octet-stream", sink.types[res.Key])
}

func TestPromote_TwiceYieldsIndependentKeys(t *testing.T) {
	srv := vendorServer(t, http.StatusOK, "png")
	sink := newFakeSink()
	p := New(sink, 0, time.Second, zap.NewNop(), sharedMetrics)

	a, err := p.Promote(context.Background(), ref, "png", srv.URL)
	require.NoError(t, err)
	b, err := p.Promote(context.Background(), ref, "png", srv.URL)
	require.NoError(t, err)

	assert.NotEqual(t, a.Key, b.Key)
	assert.Len(t, sink.puts, 2)
}

func TestPromote_Failures(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		maxBytes  int64
		sinkErr   error
		wantStage Stage
		wantErr   error
	}{
		{name: "fetch non-2xx", status: http.StatusGone, wantStage: StageFetch},
		{name: "fetch too large", status: http.StatusOK, body: "0123456789", maxBytes: 4, wantStage: StageFetch, wantErr: ErrTooLarge},
		{name: "upload failure", status: http.StatusOK, body: "ok", sinkErr: errors.New("bucket gone"), wantStage: StageUpload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := vendorServer(t, tt.status, tt.body)
			sink := newFakeSink()
			sink.err = tt.sinkErr
			p := New(sink, tt.maxBytes, time.Second, zap.NewNop(), sharedMetrics)

			_, err := p.Promote(context.Background(), ref, "png", srv.URL)
			require.Error(t, err)

			var pe *Error
			require.True(t, errors.As(err, &pe), "want *promoter.Error, got %T", err)
			assert.Equal(t, tt.wantStage, pe.Stage)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			assert.Empty(t, sink.puts)
		})
	}
}
