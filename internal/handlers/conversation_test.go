package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"roulette-chat/internal/conversation"
	"roulette-chat/internal/db"
	"roulette-chat/internal/keystore"
	"roulette-chat/internal/middleware"
	"roulette-chat/internal/mocks"
	"roulette-chat/internal/repositories"
	"roulette-chat/internal/telemetry"
	"roulette-chat/internal/ws"
)

type fixture struct {
	db      *sqlx.DB
	local   *keystore.SQLiteStorage
	pubkeys *repositories.PublicKeyRepo
	manager *conversation.Manager
	router  *gin.Engine
	audit   *mocks.PublisherMock
}

func newFixture(t *testing.T, uploader conversation.Uploader) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := db.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	local, err := keystore.NewSQLiteStorage(database)
	require.NoError(t, err)

	f := &fixture{db: database, local: local, pubkeys: repositories.NewPublicKeyRepo(database)}

	var mu sync.Mutex
	n := 0
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		n++
		return time.Date(2026, 3, 1, 18, 0, n, 0, time.UTC)
	}

	f.provision(t, "alice")
	f.manager = conversation.NewManager("alice", conversation.Deps{
		Messages: repositories.NewMessageRepo(database).WithClock(clock),
		Profiles: repositories.NewProfileRepo(database),
		Keys:     keystore.New(local, f.pubkeys, nil, time.Millisecond),
		Uploader: uploader,
	}, conversation.Options{PageSize: 30})
	t.Cleanup(f.manager.CloseAll)

	f.audit = new(mocks.PublisherMock)
	f.audit.On("Publish", mock.Anything, "audit.chat", mock.Anything).Return(nil)
	h := NewConversationHandler(f.manager, ws.NewHub(nil), telemetry.NewAuditEmitter(f.audit, "audit.chat", "roulette-chat", "test"))

	f.router = gin.New()
	f.router.Use(middleware.RequestID(), middleware.AuthMiddleware("", "alice"))
	RegisterConversationRoutes(f.router, h)
	return f
}

func (f *fixture) provision(t *testing.T, users ...string) {
	t.Helper()
	ks := keystore.New(f.local, f.pubkeys, nil, time.Millisecond)
	for _, u := range users {
		_, err := ks.LoadOrCreateLocalKeyPair(context.Background(), u)
		require.NoError(t, err)
	}
}

func (f *fixture) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeView(t *testing.T, rec *httptest.ResponseRecorder) conversation.View {
	t.Helper()
	var v conversation.View
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestOpenSendAndRead(t *testing.T) {
	f := newFixture(t, nil)
	f.provision(t, "bob")

	rec := f.do(http.MethodPost, "/conversations/bob", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	view := decodeView(t, rec)
	assert.Equal(t, conversation.PhaseReady, view.Phase)
	assert.Empty(t, view.Messages)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))

	rec = f.do(http.MethodPost, "/conversations/bob/messages", gin.H{"text": "hi bob"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var msg conversation.MessageView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msg))
	assert.Equal(t, "hi bob", msg.Text)
	assert.True(t, msg.IsMine)
	assert.False(t, msg.Pending)

	rec = f.do(http.MethodGet, "/conversations/bob", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	view = decodeView(t, rec)
	require.Len(t, view.Messages, 1)
	assert.Equal(t, "hi bob", view.Messages[0].Text)

	f.audit.AssertCalled(t, "Publish", mock.Anything, "audit.chat", mock.Anything)
}

func TestOpenRejectsSelf(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(http.MethodPost, "/conversations/alice", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRoutesRequireOpenConversation(t *testing.T) {
	f := newFixture(t, nil)
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/conversations/bob"},
		{http.MethodPost, "/conversations/bob/older"},
		{http.MethodDelete, "/conversations/bob/error"},
		{http.MethodGet, "/conversations/bob/profile"},
		{http.MethodDelete, "/conversations/bob"},
	} {
		rec := f.do(tc.method, tc.path, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, tc.path)
	}

	rec := f.do(http.MethodPost, "/conversations/bob/messages", gin.H{"text": "hi"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSendWithoutPeerKeyConflicts(t *testing.T) {
	f := newFixture(t, nil)
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/conversations/bob", nil).Code)

	rec := f.do(http.MethodPost, "/conversations/bob/messages", gin.H{"text": "hello?"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	view := decodeView(t, f.do(http.MethodGet, "/conversations/bob", nil))
	assert.NotEmpty(t, view.SendError)
	assert.Empty(t, view.Messages)

	assert.Equal(t, http.StatusNoContent, f.do(http.MethodDelete, "/conversations/bob/error", nil).Code)
	view = decodeView(t, f.do(http.MethodGet, "/conversations/bob", nil))
	assert.Empty(t, view.SendError)
}

func TestSendValidation(t *testing.T) {
	f := newFixture(t, nil)
	f.provision(t, "bob")
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/conversations/bob", nil).Code)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/conversations/bob/messages", gin.H{}).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/conversations/bob/messages", gin.H{"text": "   "}).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/conversations/bob/movies", gin.H{"title": "Heat"}).Code)
}

func TestSendMovie(t *testing.T) {
	f := newFixture(t, nil)
	f.provision(t, "bob")
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/conversations/bob", nil).Code)

	rec := f.do(http.MethodPost, "/conversations/bob/movies", gin.H{"tmdb_id": 949, "title": "Heat", "poster_url": "https://img/949.jpg"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var msg conversation.MessageView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msg))
	assert.Equal(t, "Heat", msg.Text)
	require.NotNil(t, msg.Movie)
	assert.Equal(t, int64(949), msg.Movie.TMDBID)
}

var pngBytes = []byte{
	0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n',
	0x00, 0x00, 0x00, 0x0d, 'I', 'H', 'D', 'R',
	0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01, 0x08, 0x02, 0x00, 0x00, 0x00,
}

func TestSendImageMultipart(t *testing.T) {
	uploader := new(mocks.UploaderMock)
	uploader.On("Upload", mock.Anything, mock.AnythingOfType("string"), pngBytes, "image/png").
		Return("https://cdn.example/pic.png", nil)
	f := newFixture(t, uploader)
	f.provision(t, "bob")
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/conversations/bob", nil).Code)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "pic.png")
	require.NoError(t, err)
	_, _ = part.Write(pngBytes)
	require.NoError(t, mw.WriteField("caption", "look"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/conversations/bob/images", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var msg conversation.MessageView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msg))
	assert.Equal(t, "look", msg.Text)
	assert.Equal(t, "https://cdn.example/pic.png", msg.ImageURL)
	uploader.AssertExpectations(t)
}

func TestSendImageRawBodyRejectsText(t *testing.T) {
	uploader := new(mocks.UploaderMock)
	f := newFixture(t, uploader)
	f.provision(t, "bob")
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/conversations/bob", nil).Code)

	req := httptest.NewRequest(http.MethodPost, "/conversations/bob/images", bytes.NewBufferString("plain words"))
	req.Header.Set("Content-Type", "application/octet-stream")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	uploader.AssertNotCalled(t, "Upload", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestProfileAndClose(t *testing.T) {
	f := newFixture(t, nil)
	f.provision(t, "bob")
	_, err := f.db.Exec(f.db.Rebind(`INSERT INTO profiles (id, username, display_name) VALUES (?, ?, ?)`), "bob", "bobby", "Bob")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/conversations/bob", nil).Code)

	rec := f.do(http.MethodGet, "/conversations/bob/profile", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"id":"bob","username":"bobby","display_name":"Bob"}`, rec.Body.String())

	assert.Equal(t, http.StatusNoContent, f.do(http.MethodDelete, "/conversations/bob", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/conversations/bob", nil).Code)
}

func TestLoadOlderReturnsWindow(t *testing.T) {
	f := newFixture(t, nil)
	f.provision(t, "bob")
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/conversations/bob", nil).Code)

	rec := f.do(http.MethodPost, "/conversations/bob/older", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	view := decodeView(t, rec)
	assert.False(t, view.HasOlder)
	assert.False(t, view.LoadingOlder)
}
