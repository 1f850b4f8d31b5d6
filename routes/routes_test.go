package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"audiorelay/blobstore"
	"audiorelay/failures"
	"audiorelay/ingress"
	"audiorelay/models"
	"audiorelay/pipeline"
	"audiorelay/success"
	"audiorelay/utils"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

// wavHeader is enough of a RIFF/WAVE header for content sniffing.
var wavHeader = []byte("RIFF\x24\x00\x00\x00WAVEfmt \x10\x00\x00\x00\x01\x00\x01\x00")

type fakeSubmitter struct {
	err   error
	got   []byte
	user  models.Identity
	calls int
}

func (f *fakeSubmitter) Submit(_ context.Context, video io.Reader, user models.Identity) (ingress.Result, error) {
	f.calls++
	f.user = user
	f.got, _ = io.ReadAll(video)
	if f.err != nil {
		return ingress.Result{}, f.err
	}
	return ingress.Result{VideoBlobID: "vid-1", Queue: "video"}, nil
}

type brokerState bool

func (b brokerState) Connected() bool { return bool(b) }

type fixture struct {
	sub    *fakeSubmitter
	audio  *blobstore.Blobs
	ledger *failures.Ledger
	deps   Deps
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	audio, err := blobstore.OpenMemory("mp3s")
	if err != nil {
		t.Fatal(err)
	}
	ledger, err := failures.OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		audio.Close()
		ledger.Close()
	})
	f := &fixture{sub: &fakeSubmitter{}, audio: audio, ledger: ledger}
	f.deps = Deps{
		Submitter: f.sub,
		Audio:     audio,
		AudioExt:  ".mp3",
		Faults:    ledger,
		Broker:    brokerState(true),
		Auth:      utils.VerifyConfig{SecretKey: testSecret},
	}
	return f
}

func token(t *testing.T, user models.Identity, exp time.Time) string {
	t.Helper()
	tok, err := utils.CreateIdentityToken(&models.IdentityClaims{
		User:      user,
		IssuedAt:  time.Now().Unix(),
		ExpiresAt: exp.Unix(),
	}, testSecret)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func aliceToken(t *testing.T) string {
	return token(t, models.Identity{Username: "alice", Email: "alice@example.com"}, time.Now().Add(time.Hour))
}

// uploadRequest builds a multipart request with one part per file.
func uploadRequest(t *testing.T, bearer string, files ...[]byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for i, data := range files {
		fw, err := mw.CreateFormFile("file", "clip"+string(rune('a'+i))+".wav")
		if err != nil {
			t.Fatal(err)
		}
		fw.Write(data)
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	return req
}

func serve(r http.Handler, req *http.Request) (*httptest.ResponseRecorder, Response) {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var body Response
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	return w, body
}

func TestUploadSuccess(t *testing.T) {
	f := newFixture(t)
	video := append(append([]byte{}, wavHeader...), "payload"...)

	w, body := serve(NewRouter(f.deps), uploadRequest(t, aliceToken(t), video))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if !body.Status || body.Message != "File uploaded and message published successfully" {
		t.Fatalf("body = %+v", body)
	}
	details, _ := body.Details.(map[string]any)
	if details["file_id"] != "vid-1" || details["queue"] != "video" {
		t.Fatalf("details = %v", body.Details)
	}
	if !bytes.Equal(f.sub.got, video) {
		t.Fatal("submitted bytes differ from upload")
	}
	if f.sub.user.Username != "alice" || f.sub.user.Email != "alice@example.com" {
		t.Fatalf("identity = %+v", f.sub.user)
	}
}

func TestUploadRequiresValidToken(t *testing.T) {
	f := newFixture(t)
	r := NewRouter(f.deps)

	expired := token(t, models.Identity{Username: "alice"}, time.Now().Add(-time.Hour))
	forged, _ := utils.CreateIdentityToken(&models.IdentityClaims{
		User:      models.Identity{Username: "alice"},
		ExpiresAt: time.Now().Add(time.Hour).Unix(),
	}, []byte("ffffffffffffffffffffffffffffffff"))

	for name, bearer := range map[string]string{"missing": "", "expired": expired, "forged": forged} {
		w, _ := serve(r, uploadRequest(t, bearer, wavHeader))
		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s token: status = %d, want 401", name, w.Code)
		}
	}
	if f.sub.calls != 0 {
		t.Fatal("unauthenticated upload reached the submitter")
	}
}

func TestUploadRequiresExactlyOneFile(t *testing.T) {
	f := newFixture(t)
	r := NewRouter(f.deps)

	w, _ := serve(r, uploadRequest(t, aliceToken(t)))
	if w.Code != http.StatusBadRequest {
		t.Errorf("no file: status = %d, want 400", w.Code)
	}
	w, _ = serve(r, uploadRequest(t, aliceToken(t), wavHeader, wavHeader))
	if w.Code != http.StatusBadRequest {
		t.Errorf("two files: status = %d, want 400", w.Code)
	}
	if f.sub.calls != 0 {
		t.Fatal("invalid upload reached the submitter")
	}
}

func TestUploadRejectsNonMedia(t *testing.T) {
	f := newFixture(t)
	w, _ := serve(NewRouter(f.deps), uploadRequest(t, aliceToken(t), []byte("just some text")))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}

	f.deps.AnyMedia = true
	w, _ = serve(NewRouter(f.deps), uploadRequest(t, aliceToken(t), []byte("just some text")))
	if w.Code != http.StatusOK {
		t.Fatalf("any_media: status = %d, want 200", w.Code)
	}
}

func TestUploadErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"validation", pipeline.Validation("submit", "username is required"), http.StatusBadRequest},
		{"upload", pipeline.New(pipeline.KindUpload, "store video", errors.New("disk full")), http.StatusInternalServerError},
		{"publish", pipeline.New(pipeline.KindPublish, "publish", errors.New("channel closed")), http.StatusServiceUnavailable},
		{"double fault", pipeline.DoubleFault("submit", errors.New("channel closed"), errors.New("delete refused")), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.sub.err = tc.err
			w, body := serve(NewRouter(f.deps), uploadRequest(t, aliceToken(t), wavHeader))
			if w.Code != tc.status {
				t.Fatalf("status = %d, want %d", w.Code, tc.status)
			}
			if body.Status {
				t.Fatal("status true on failure")
			}
		})
	}
}

func TestDoubleFaultReportsBothCauses(t *testing.T) {
	f := newFixture(t)
	f.sub.err = pipeline.DoubleFault("submit", errors.New("channel closed"), errors.New("delete refused"))

	_, body := serve(NewRouter(f.deps), uploadRequest(t, aliceToken(t), wavHeader))

	if body.Message != "Failed to publish message and rollback file" {
		t.Fatalf("message = %q", body.Message)
	}
	details, _ := body.Details.(map[string]any)
	if details["publish_error"] != "channel closed" || details["rollback_error"] != "delete refused" {
		t.Fatalf("details = %v", body.Details)
	}
}

func TestDownload(t *testing.T) {
	f := newFixture(t)
	audio := append([]byte("ID3\x04\x00\x00\x00\x00\x00\x00"), bytes.Repeat([]byte{0xff}, 64)...)
	id, err := f.audio.Put(context.Background(), bytes.NewReader(audio))
	if err != nil {
		t.Fatal(err)
	}
	r := NewRouter(f.deps)

	req := httptest.NewRequest(http.MethodGet, "/download?fid="+id, nil)
	req.Header.Set("Authorization", "Bearer "+aliceToken(t))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if !bytes.Equal(w.Body.Bytes(), audio) {
		t.Fatal("downloaded bytes differ")
	}
	if cd := w.Header().Get("Content-Disposition"); !strings.Contains(cd, id+"_converted.mp3") {
		t.Fatalf("Content-Disposition = %q", cd)
	}

	form := strings.NewReader("fid=" + id)
	req = httptest.NewRequest(http.MethodPost, "/download", form)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+aliceToken(t))
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("POST status = %d", w.Code)
	}
}

func TestDownloadErrors(t *testing.T) {
	f := newFixture(t)
	r := NewRouter(f.deps)
	missing := strings.Repeat("a", 64) + "-AAAAAAAAAAAA"

	for query, want := range map[string]int{
		"":                       http.StatusBadRequest,
		"?fid=../../etc/passwd":  http.StatusBadRequest,
		"?fid=" + missing:        http.StatusNotFound,
	} {
		req := httptest.NewRequest(http.MethodGet, "/download"+query, nil)
		req.Header.Set("Authorization", "Bearer "+aliceToken(t))
		w, _ := serve(r, req)
		if w.Code != want {
			t.Errorf("download%s: status = %d, want %d", query, w.Code, want)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/download?fid="+missing, nil)
	if w, _ := serve(r, req); w.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated download: status = %d, want 401", w.Code)
	}
}

func TestHealthAndReadiness(t *testing.T) {
	f := newFixture(t)

	w, _ := serve(NewRouter(f.deps), httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d", w.Code)
	}
	w, body := serve(NewRouter(f.deps), httptest.NewRequest(http.MethodGet, "/readiness", nil))
	if w.Code != http.StatusOK || !body.Status {
		t.Fatalf("readiness = %d %+v", w.Code, body)
	}

	f.deps.Broker = brokerState(false)
	w, _ = serve(NewRouter(f.deps), httptest.NewRequest(http.MethodGet, "/readiness", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("readiness with broker down = %d, want 503", w.Code)
	}

	w, _ = serve(NewRouter(f.deps), httptest.NewRequest(http.MethodGet, "/version", nil))
	var v VersionResponse
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil || v.Version == "" {
		t.Fatalf("version = %s", w.Body.String())
	}
}

func adminToken(t *testing.T) string {
	t.Helper()
	tok, err := utils.CreateIdentityToken(&models.IdentityClaims{
		User:      models.Identity{Username: "ops"},
		IssuedAt:  time.Now().Unix(),
		ExpiresAt: time.Now().Add(time.Hour).Unix(),
		Admin:     true,
	}, testSecret)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func getRequest(path, bearer string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	return req
}

func TestFailureEndpoints(t *testing.T) {
	f := newFixture(t)
	blob := strings.Repeat("b", 64) + "-BBBBBBBBBBBB"
	if err := f.ledger.RecordOrphan("gateway", blob, errors.New("publish"), errors.New("delete"), nil); err != nil {
		t.Fatal(err)
	}
	r := NewRouter(f.deps)
	admin := adminToken(t)

	w, body := serve(r, getRequest("/failures?id=orphan:"+blob, admin))
	if w.Code != http.StatusOK || !body.Status {
		t.Fatalf("query = %d %s", w.Code, w.Body.String())
	}
	if w, _ := serve(r, getRequest("/failures?id=orphan:nope", admin)); w.Code != http.StatusNotFound {
		t.Fatalf("unknown id status = %d, want 404", w.Code)
	}
	if w, _ := serve(r, getRequest("/failures", admin)); w.Code != http.StatusBadRequest {
		t.Fatalf("missing id status = %d, want 400", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, getRequest("/failures/list?kind=orphan", admin))
	var list struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil || list.Count != 1 {
		t.Fatalf("list = %s", w.Body.String())
	}
	if w, _ := serve(r, getRequest("/failures/list?kind=bogus", admin)); w.Code != http.StatusBadRequest {
		t.Fatalf("bad kind status = %d", w.Code)
	}
	if w, _ := serve(r, getRequest("/failures/list?kind=unconfirmed", admin)); w.Code != http.StatusOK {
		t.Fatalf("unconfirmed kind status = %d", w.Code)
	}
}

func TestLedgerEndpointsRequireAdmin(t *testing.T) {
	f := newFixture(t)
	receipts, err := success.OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { receipts.Close() })
	audioID := strings.Repeat("c", 64) + "-CCCCCCCCCCCC"
	if _, err := receipts.Record(audioID, "vid-1", "alice", "alice@example.com"); err != nil {
		t.Fatal(err)
	}
	f.deps.Receipts = receipts
	r := NewRouter(f.deps)

	paths := []string{"/failures?id=orphan:x", "/failures/list", "/receipts?id=" + audioID, "/receipts/list"}
	for _, path := range paths {
		if w, _ := serve(r, getRequest(path, "")); w.Code != http.StatusUnauthorized {
			t.Errorf("%s without token: status = %d, want 401", path, w.Code)
		}
		if w, _ := serve(r, getRequest(path, aliceToken(t))); w.Code != http.StatusForbidden {
			t.Errorf("%s without authz: status = %d, want 403", path, w.Code)
		}
	}

	w, body := serve(r, getRequest("/receipts?id="+audioID, adminToken(t)))
	if w.Code != http.StatusOK || !body.Status {
		t.Fatalf("receipt query = %d %s", w.Code, w.Body.String())
	}
}
