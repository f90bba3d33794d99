package grpcserver

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"fingerauth/internal/imageio"
	"fingerauth/internal/pipeline"
	"fingerauth/internal/scan/scantest"
	"fingerauth/internal/storage"
)

type fakeClient struct {
	mu        sync.Mutex
	subs      []chan pipeline.Result
	submitted []pipeline.Job
	err       error
	handle    func(pipeline.Job) pipeline.Result
}

func (f *fakeClient) Submit(job pipeline.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.submitted = append(f.submitted, job)
	res := f.handle(job)
	for _, ch := range f.subs {
		ch <- res
	}
	return nil
}

func (f *fakeClient) Subscribe() (<-chan pipeline.Result, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan pipeline.Result, 4)
	f.subs = append(f.subs, ch)
	return ch, func() {}
}

func dial(t *testing.T, fc *fakeClient) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	g := grpc.NewServer()
	NewMatcherServer(fc, slog.New(slog.NewTextHandler(io.Discard, nil))).RegisterWithServer(g)
	go g.Serve(lis)
	t.Cleanup(g.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return NewClient(conn)
}

func pngBytes(t *testing.T, seed int64) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := imageio.EncodePNG(&buf, scantest.Texture(seed)); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func callCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestVerifyWithReference(t *testing.T) {
	fc := &fakeClient{handle: func(j pipeline.Job) pipeline.Result {
		return pipeline.Result{Job: j, Meta: map[string]any{"match": true, "inliers": 42}}
	}}
	c := dial(t, fc)

	out, err := c.Verify(callCtx(t), pngBytes(t, 1), pngBytes(t, 1), "")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if out["match"] != true || out["inliers"] != float64(42) {
		t.Fatalf("unexpected response %v", out)
	}
	job := fc.submitted[0]
	if job.Type != pipeline.JobVerify || job.Probe == nil || job.Reference == nil {
		t.Fatalf("unexpected job %+v", job)
	}
}

func TestVerifyWithTemplate(t *testing.T) {
	fc := &fakeClient{handle: func(j pipeline.Job) pipeline.Result {
		return pipeline.Result{Job: j, Meta: map[string]any{"match": false, "candidates": []map[string]any{{"template": "t1"}}}}
	}}
	c := dial(t, fc)

	out, err := c.Verify(callCtx(t), pngBytes(t, 2), nil, "t1")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if fc.submitted[0].Options["template"] != "t1" || fc.submitted[0].Reference != nil {
		t.Fatalf("unexpected job %+v", fc.submitted[0])
	}
	if cands, ok := out["candidates"].([]any); !ok || len(cands) != 1 {
		t.Fatalf("candidates not carried: %v", out)
	}
}

func TestErrorCodes(t *testing.T) {
	cases := []struct {
		name string
		fc   *fakeClient
		call func(*Client) error
		want codes.Code
	}{
		{
			name: "missing probe",
			fc:   &fakeClient{},
			call: func(c *Client) error {
				_, err := c.call(context.Background(), identifyMethod, map[string]any{})
				return err
			},
			want: codes.InvalidArgument,
		},
		{
			name: "undecodable probe",
			fc:   &fakeClient{},
			call: func(c *Client) error {
				_, err := c.Identify(context.Background(), []byte("not an image"))
				return err
			},
			want: codes.InvalidArgument,
		},
		{
			name: "unknown template",
			fc: &fakeClient{handle: func(j pipeline.Job) pipeline.Result {
				return pipeline.Result{Job: j, Error: storage.ErrNotFound}
			}},
			call: func(c *Client) error {
				_, err := c.Verify(context.Background(), pngBytes(t, 3), nil, "nope")
				return err
			},
			want: codes.NotFound,
		},
		{
			name: "queue full",
			fc:   &fakeClient{err: pipeline.ErrQueueFull},
			call: func(c *Client) error {
				_, err := c.Identify(context.Background(), pngBytes(t, 4))
				return err
			},
			want: codes.Unavailable,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.call(dial(t, tc.fc))
			if got := status.Code(err); got != tc.want {
				t.Fatalf("code = %v, want %v (err %v)", got, tc.want, err)
			}
		})
	}
}
