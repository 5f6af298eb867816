package web_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quickcheck-project/quickcheck-liff/internal/backend"
	"github.com/quickcheck-project/quickcheck-liff/internal/catalog"
	"github.com/quickcheck-project/quickcheck-liff/internal/db"
	"github.com/quickcheck-project/quickcheck-liff/internal/domain"
	"github.com/quickcheck-project/quickcheck-liff/internal/guard"
	"github.com/quickcheck-project/quickcheck-liff/internal/identity"
	"github.com/quickcheck-project/quickcheck-liff/internal/identity/dev"
	"github.com/quickcheck-project/quickcheck-liff/internal/metrics"
	"github.com/quickcheck-project/quickcheck-liff/internal/photostore"
	"github.com/quickcheck-project/quickcheck-liff/internal/progress"
	"github.com/quickcheck-project/quickcheck-liff/internal/service"
	"github.com/quickcheck-project/quickcheck-liff/internal/store"
	"github.com/quickcheck-project/quickcheck-liff/internal/web"
	"github.com/quickcheck-project/quickcheck-liff/internal/web/templates"
)

const devUserID = "U-integration"

// minimalJPEG is 512 bytes with the JPEG magic bytes header followed by zeros.
// http.DetectContentType identifies JPEG from the leading 0xFF 0xD8 bytes.
var minimalJPEG = func() []byte {
	b := make([]byte, 512)
	b[0] = 0xFF
	b[1] = 0xD8
	b[2] = 0xFF
	b[3] = 0xE0
	return b
}()

type fakeUser struct {
	FirstName string
	LastName  string
	Cars      []map[string]any
}

type assessCall struct {
	LicensePlate string
	Items        []map[string]string
	Images       int
}

// fakeBackend is an in-memory stand-in for the assessment REST backend.
type fakeBackend struct {
	mu          sync.Mutex
	users       map[string]*fakeUser
	assessCalls []assessCall
	failAssess  int
	registerErr int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{users: make(map[string]*fakeUser)}
}

func (f *fakeBackend) addUser(lineID string, cars ...map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[lineID] = &fakeUser{FirstName: "สมชาย", LastName: "ใจดี", Cars: cars}
}

func (f *fakeBackend) user(lineID string) *fakeUser {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.users[lineID]
}

func (f *fakeBackend) calls() []assessCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]assessCall(nil), f.assessCalls...)
}

func car(plate string) map[string]any {
	return map[string]any{
		"brand": "Toyota", "model": "Camry", "year": 2022,
		"license_plate": plate, "chassis_number": nil, "province": "Bangkok",
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeBackend) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /check_user/{id}", func(w http.ResponseWriter, r *http.Request) {
		if f.user(r.PathValue("id")) == nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"detail": "User not found"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"exists": true})
	})
	mux.HandleFunc("GET /user/{id}", func(w http.ResponseWriter, r *http.Request) {
		u := f.user(r.PathValue("id"))
		if u == nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"detail": "User not found"})
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{
			"user": map[string]any{"id": 1, "first_name": u.FirstName, "last_name": u.LastName},
			"cars": u.Cars,
		})
	})
	mux.HandleFunc("POST /register", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			LineID    string           `json:"line_id"`
			FirstName string           `json:"first_name"`
			LastName  string           `json:"last_name"`
			Consent   bool             `json:"consent"`
			Cars      []map[string]any `json:"cars"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": err.Error()})
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.registerErr != 0 {
			writeJSON(w, f.registerErr, map[string]string{"detail": "ทะเบียนรถนี้ถูกใช้แล้ว"})
			return
		}
		if !body.Consent {
			writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "consent required"})
			return
		}
		f.users[body.LineID] = &fakeUser{FirstName: body.FirstName, LastName: body.LastName, Cars: body.Cars}
		writeJSON(w, http.StatusOK, map[string]string{"message": "ok"})
	})
	mux.HandleFunc("POST /add-cars", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			LineID string           `json:"line_id"`
			Cars   []map[string]any `json:"cars"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": err.Error()})
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		u := f.users[body.LineID]
		if u == nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"detail": "User not found"})
			return
		}
		u.Cars = append(u.Cars, body.Cars...)
		writeJSON(w, http.StatusOK, map[string]string{"message": "ok"})
	})
	mux.HandleFunc("PUT /cars/{plate}", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": err.Error()})
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		for _, u := range f.users {
			for i, c := range u.Cars {
				if c["license_plate"] == r.PathValue("plate") {
					u.Cars[i] = body
					writeJSON(w, http.StatusOK, body)
					return
				}
			}
		}
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Car not found"})
	})
	mux.HandleFunc("DELETE /cars/{plate}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		for _, u := range f.users {
			for i, c := range u.Cars {
				if c["license_plate"] == r.PathValue("plate") {
					u.Cars = append(u.Cars[:i], u.Cars[i+1:]...)
					writeJSON(w, http.StatusOK, map[string]string{"message": "deleted"})
					return
				}
			}
		}
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Car not found"})
	})
	mux.HandleFunc("POST /assess_damage", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"detail": err.Error()})
			return
		}
		call := assessCall{
			LicensePlate: r.FormValue("license_plate"),
			Images:       len(r.MultipartForm.File["images"]),
		}
		_ = json.Unmarshal([]byte(r.FormValue("items")), &call.Items)

		f.mu.Lock()
		defer f.mu.Unlock()
		f.assessCalls = append(f.assessCalls, call)
		if f.failAssess != 0 {
			writeJSON(w, f.failAssess, map[string]string{"detail": "โมเดลประเมินไม่พร้อมใช้งาน"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"history_id": 42})
	})
	return mux
}

// memPhotoStore is a simple in-memory implementation of photostore.PhotoStore.
type memPhotoStore struct {
	mu      sync.Mutex
	data    map[string][]byte
	mimes   map[string]string
	counter int
}

func newMemPhotoStore() *memPhotoStore {
	return &memPhotoStore{
		data:  make(map[string][]byte),
		mimes: make(map[string]string),
	}
}

func (m *memPhotoStore) Save(_ context.Context, prefix, mimeType string, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counter++
	key := fmt.Sprintf("%s_%d", prefix, m.counter)
	m.data[key] = data
	m.mimes[key] = mimeType
	return key, nil
}

func (m *memPhotoStore) Get(_ context.Context, key string) (io.ReadCloser, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.data[key]
	if !ok {
		return nil, "", photostore.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), m.mimes[key], nil
}

func (m *memPhotoStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; !ok {
		return photostore.ErrNotFound
	}
	delete(m.data, key)
	delete(m.mimes, key)
	return nil
}

func (m *memPhotoStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}

type testEnv struct {
	srv     *httptest.Server
	backend *fakeBackend
	photos  *memPhotoStore
	client  *http.Client
}

// newTestEnv wires a real web.Server to a fake backend, the dev identity
// provider and an in-memory SQLite draft store.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	database, err := db.OpenForTesting()
	require.NoError(t, err)

	fb := newFakeBackend()
	backendSrv := httptest.NewServer(fb.handler())

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	codec, err := identity.NewSessionCodec("integration-test-secret", time.Hour, false)
	require.NoError(t, err)
	provider := dev.NewProvider(devUserID, codec)
	client := backend.NewClient(backendSrv.URL, 5*time.Second, m)
	photos := newMemPhotoStore()
	cat := catalog.Default()

	sim := &progress.Simulator{MinDelay: time.Millisecond, Interval: time.Millisecond}

	srv := httptest.NewServer(web.NewServer(web.Deps{
		Identity:  provider,
		Guard:     guard.New(provider, client, m, logger),
		Assess:    service.NewAssessService(store.NewDraftStore(database), client, photos, cat, logger),
		Member:    service.NewMemberService(client, cat, logger),
		Register:  service.NewRegisterService(client, store.NewConsentStore(database), cat, logger),
		Catalog:   cat,
		Progress:  sim,
		Metrics:   m,
		Templates: templates.FS,
		LIFFID:    "test-liff",
		Logger:    logger,
	}))
	t.Cleanup(func() {
		srv.Close()
		backendSrv.Close()
		_ = database.Close()
	})

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &testEnv{
		srv:     srv,
		backend: fb,
		photos:  photos,
		client:  &http.Client{Jar: jar},
	}
}

func (e *testEnv) get(t *testing.T, path string) (*http.Response, string) {
	t.Helper()
	resp, err := e.client.Get(e.srv.URL + path)
	require.NoError(t, err)
	return resp, readBody(t, resp)
}

func (e *testEnv) post(t *testing.T, path string, form url.Values, htmx bool) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, e.srv.URL+path, strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if htmx {
		req.Header.Set("HX-Request", "true")
	}
	resp, err := e.client.Do(req)
	require.NoError(t, err)
	return resp, readBody(t, resp)
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

// login walks the dev login flow so the jar holds a session cookie.
func (e *testEnv) login(t *testing.T) {
	t.Helper()
	resp, _ := e.get(t, "/")
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func (e *testEnv) draftRows(t *testing.T) []string {
	t.Helper()
	_, body := e.get(t, "/assess-car-damage")
	var ids []string
	for _, chunk := range strings.Split(body, `id="row-`)[1:] {
		ids = append(ids, chunk[:strings.Index(chunk, `"`)])
	}
	return ids
}

func (e *testEnv) uploadImage(t *testing.T, rowID string, data []byte) (*http.Response, string) {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	fw, err := w.CreateFormFile("image", "damage.jpg")
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req, err := http.NewRequest(http.MethodPost, e.srv.URL+"/assess-car-damage/rows/"+rowID+"/image", body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("HX-Request", "true")
	resp, err := e.client.Do(req)
	require.NoError(t, err)
	return resp, readBody(t, resp)
}

type sseEvent struct {
	Name string
	Data map[string]any
}

func readEvents(t *testing.T, r io.Reader) []sseEvent {
	t.Helper()
	var events []sseEvent
	var cur sseEvent
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.Name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &cur.Data))
		case line == "":
			if cur.Name != "" {
				events = append(events, cur)
			}
			cur = sseEvent{}
		}
	}
	require.NoError(t, scanner.Err())
	return events
}

func (e *testEnv) submit(t *testing.T) []sseEvent {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, e.srv.URL+"/assess-car-damage/submit", nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")
	resp, err := e.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	return readEvents(t, resp.Body)
}

func TestIntegration_GuardSendsNewUserToRegister(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	env := newTestEnv(t)

	resp, body := env.get(t, "/member")

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, guard.RegisterPath, resp.Request.URL.Path)
	assert.Contains(t, body, `id="register-form"`)
}

func TestIntegration_GuardAdmitsRegisteredUser(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	env := newTestEnv(t)
	env.backend.addUser(devUserID, car("1กข 1234"))

	resp, body := env.get(t, "/member")

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, guard.MemberPath, resp.Request.URL.Path)
	assert.Contains(t, body, "สมชาย")
	assert.Contains(t, body, "1กข 1234")
}

func TestIntegration_EntryKeepsDeepLinkThroughLogin(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	env := newTestEnv(t)
	env.backend.addUser(devUserID, car("1กข 1234"))

	resp, _ := env.get(t, "/?liff.state="+url.QueryEscape("/assess-car-damage"))

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "/assess-car-damage", resp.Request.URL.Path)
}

func TestIntegration_EntryRejectsOffsiteTarget(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	env := newTestEnv(t)
	env.backend.addUser(devUserID)
	env.login(t)

	resp, _ := env.get(t, "/?liff.state="+url.QueryEscape("//evil.example/phish"))

	assert.Equal(t, env.srv.Listener.Addr().String(), resp.Request.URL.Host)
	assert.Equal(t, guard.MemberPath, resp.Request.URL.Path)
}

func TestIntegration_UnknownPathRedirectsToEntry(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	env := newTestEnv(t)
	env.backend.addUser(devUserID)

	resp, _ := env.get(t, "/no-such-page")

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, guard.MemberPath, resp.Request.URL.Path)
}

func TestIntegration_RegisteredUserSkipsRegisterPage(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	env := newTestEnv(t)
	env.backend.addUser(devUserID)
	env.login(t)

	resp, _ := env.get(t, "/register")

	assert.Equal(t, guard.MemberPath, resp.Request.URL.Path)
}

func registrationForm() url.Values {
	return url.Values{
		"first_name":            {"สมหญิง"},
		"last_name":             {"รักดี"},
		"vehicle_count":         {"1"},
		"cars.0.brand":          {"Toyota"},
		"cars.0.model":          {"Yaris ativ"},
		"cars.0.year":           {"2021"},
		"cars.0.license_plate":  {"2กค 5678"},
		"cars.0.chassis_number": {""},
		"cars.0.province":       {"Bangkok"},
		"action":                {"submit"},
	}
}

func TestIntegration_RegistrationNeedsConsentThenSucceeds(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	env := newTestEnv(t)
	env.login(t)

	// Without recorded consent the form comes back with the popup open.
	resp, body := env.post(t, "/register", registrationForm(), true)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, domain.MsgConsentRequired)
	assert.Contains(t, body, `class="modal"`)
	assert.Nil(t, env.backend.user(devUserID))

	resp, body = env.post(t, "/register/consent", nil, true)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `id="consent-box"`)
	assert.Contains(t, body, "checked")

	resp, _ = env.post(t, "/register", registrationForm(), true)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, guard.MemberPath, resp.Header.Get("HX-Redirect"))

	u := env.backend.user(devUserID)
	require.NotNil(t, u)
	assert.Equal(t, "สมหญิง", u.FirstName)
	require.Len(t, u.Cars, 1)
	assert.Equal(t, "2กค 5678", u.Cars[0]["license_plate"])
	assert.Nil(t, u.Cars[0]["chassis_number"])
}

func TestIntegration_RegistrationShowsFieldErrors(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	env := newTestEnv(t)
	env.login(t)
	env.post(t, "/register/consent", nil, true)

	form := registrationForm()
	form.Set("first_name", "")
	form.Set("cars.0.province", "")
	_, body := env.post(t, "/register", form, true)

	assert.Contains(t, body, domain.MsgFirstNameRequired)
	assert.Contains(t, body, domain.MsgProvinceRequired)
	assert.Nil(t, env.backend.user(devUserID))
}

func TestIntegration_RegistrationShowsBackendDetail(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	env := newTestEnv(t)
	env.backend.registerErr = http.StatusBadRequest
	env.login(t)
	env.post(t, "/register/consent", nil, true)

	resp, body := env.post(t, "/register", registrationForm(), true)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("HX-Redirect"))
	assert.Contains(t, body, "ทะเบียนรถนี้ถูกใช้แล้ว")
}

func TestIntegration_RegistrationAddAndRemoveVehicleRows(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	env := newTestEnv(t)
	env.login(t)

	form := registrationForm()
	form.Set("action", "add-vehicle")
	_, body := env.post(t, "/register", form, true)
	assert.Contains(t, body, `name="vehicle_count" value="2"`)
	assert.Contains(t, body, `value="remove-vehicle:1"`)

	form.Set("vehicle_count", "2")
	form.Set("action", "remove-vehicle:1")
	_, body = env.post(t, "/register", form, true)
	assert.Contains(t, body, `name="vehicle_count" value="1"`)
	assert.NotContains(t, body, "remove-vehicle:")
}

func TestIntegration_MemberAddEditDeleteVehicle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	env := newTestEnv(t)
	env.backend.addUser(devUserID, car("1กข 1234"))
	env.login(t)

	vehicle := url.Values{
		"brand":          {"Toyota"},
		"model":          {"Altis"},
		"year":           {"2020"},
		"license_plate":  {"3ขค 999"},
		"chassis_number": {"JTDBR32E720012345"},
		"province":       {"Bangkok"},
	}
	_, body := env.post(t, "/member/vehicles", vehicle, true)
	assert.Contains(t, body, "เพิ่มรถสำเร็จ!")
	assert.Contains(t, body, "3ขค 999")
	require.Len(t, env.backend.user(devUserID).Cars, 2)

	vehicle.Set("year", "2021")
	_, body = env.post(t, "/member/vehicles/"+url.PathEscape("3ขค 999")+"/edit", vehicle, true)
	assert.Contains(t, body, "แก้ไขข้อมูลรถสำเร็จ!")
	assert.EqualValues(t, 2021, env.backend.user(devUserID).Cars[1]["year"])

	req, err := http.NewRequest(http.MethodDelete, env.srv.URL+"/member/vehicles/"+url.PathEscape("1กข 1234"), nil)
	require.NoError(t, err)
	req.Header.Set("HX-Request", "true")
	resp, err := env.client.Do(req)
	require.NoError(t, err)
	body = readBody(t, resp)
	assert.Contains(t, body, "ลบรถสำเร็จ!")
	assert.NotContains(t, body, "ทะเบียน 1กข 1234")
	assert.Len(t, env.backend.user(devUserID).Cars, 1)
}

func TestIntegration_MemberCannotTouchAnotherUsersVehicle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	env := newTestEnv(t)
	env.backend.addUser(devUserID, car("1กข 1234"))
	env.backend.addUser("U-other", car("9ZZ 9999"))
	env.login(t)

	req, err := http.NewRequest(http.MethodDelete, env.srv.URL+"/member/vehicles/"+url.PathEscape("9ZZ 9999"), nil)
	require.NoError(t, err)
	req.Header.Set("HX-Request", "true")
	resp, err := env.client.Do(req)
	require.NoError(t, err)
	body := readBody(t, resp)
	assert.Contains(t, body, "ไม่พบรถยนต์คันนี้ในบัญชีของคุณ")

	vehicle := url.Values{
		"brand":         {"Toyota"},
		"model":         {"Camry"},
		"year":          {"2022"},
		"license_plate": {"9ZZ 9999"},
		"province":      {"Bangkok"},
	}
	_, body = env.post(t, "/member/vehicles/"+url.PathEscape("9ZZ 9999")+"/edit", vehicle, true)
	assert.Contains(t, body, "ไม่พบรถยนต์คันนี้ในบัญชีของคุณ")

	other := env.backend.user("U-other")
	require.Len(t, other.Cars, 1)
	assert.Equal(t, "Camry", other.Cars[0]["model"])
	assert.Len(t, env.backend.user(devUserID).Cars, 1)
}

func TestIntegration_MemberRejectsShortChassisNumber(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	env := newTestEnv(t)
	env.backend.addUser(devUserID)
	env.login(t)

	_, body := env.post(t, "/member/vehicles", url.Values{
		"brand":          {"Toyota"},
		"model":          {"Camry"},
		"year":           {"2024"},
		"license_plate":  {"4กก 1"},
		"chassis_number": {"SHORT"},
	}, true)

	assert.Contains(t, body, domain.MsgChassisLength)
	assert.Empty(t, env.backend.user(devUserID).Cars)
}

func TestIntegration_AssessmentFlow(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	env := newTestEnv(t)
	env.backend.addUser(devUserID, car("1กข 1234"))
	env.login(t)

	// Validation runs before any backend call.
	events := env.submit(t)
	require.Len(t, events, 1)
	assert.Equal(t, "failed", events[0].Name)
	assert.Equal(t, "กรุณาเลือกรถยนต์", events[0].Data["message"])
	assert.Empty(t, env.backend.calls())

	_, body := env.post(t, "/assess-car-damage/vehicle", url.Values{"license_plate": {"1กข 1234"}}, true)
	assert.NotContains(t, body, `role="alert"`)

	rows := env.draftRows(t)
	require.Len(t, rows, 1)
	env.post(t, "/assess-car-damage/rows/"+rows[0]+"/part", url.Values{"part_type": {"hood"}}, true)

	env.post(t, "/assess-car-damage/rows", nil, true)
	rows = env.draftRows(t)
	require.Len(t, rows, 2)

	// The second row cannot take the part the first already uses.
	_, body = env.post(t, "/assess-car-damage/rows/"+rows[1]+"/part", url.Values{"part_type": {"hood"}}, true)
	assert.Contains(t, body, "อะไหล่นี้ถูกเลือกไปแล้ว")
	env.post(t, "/assess-car-damage/rows/"+rows[1]+"/part", url.Values{"part_type": {"trunk"}}, true)

	resp, _ := env.uploadImage(t, rows[0], minimalJPEG)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = env.uploadImage(t, rows[1], minimalJPEG)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, env.photos.Len())

	resp, img := env.get(t, "/assess-car-damage/images/"+rows[0])
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/jpeg", resp.Header.Get("Content-Type"))
	assert.Equal(t, string(minimalJPEG), img)

	events = env.submit(t)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, "done", last.Name)
	assert.Equal(t, "42", last.Data["history_id"])
	assert.Equal(t, "/assess-car-damage/result/42", last.Data["redirect"])
	beforeLast := events[len(events)-2]
	assert.Equal(t, "progress", beforeLast.Name)
	assert.EqualValues(t, progress.DoneValue, beforeLast.Data["value"])

	calls := env.backend.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "1กข 1234", calls[0].LicensePlate)
	assert.Equal(t, []map[string]string{{"part_type": "hood"}, {"part_type": "trunk"}}, calls[0].Items)
	assert.Equal(t, 2, calls[0].Images)

	// The draft and its staged images are gone after success.
	assert.Zero(t, env.photos.Len())
	assert.Len(t, env.draftRows(t), 1)

	resp, body = env.get(t, "/assess-car-damage/result/42")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "42")
}

func TestIntegration_AssessmentFailureKeepsDraft(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	env := newTestEnv(t)
	env.backend.addUser(devUserID, car("1กข 1234"))
	env.backend.failAssess = http.StatusServiceUnavailable
	env.login(t)

	env.post(t, "/assess-car-damage/vehicle", url.Values{"license_plate": {"1กข 1234"}}, true)
	rows := env.draftRows(t)
	require.Len(t, rows, 1)
	env.post(t, "/assess-car-damage/rows/"+rows[0]+"/part", url.Values{"part_type": {"hood"}}, true)
	env.uploadImage(t, rows[0], minimalJPEG)

	events := env.submit(t)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, "failed", last.Name)
	assert.Equal(t, "โมเดลประเมินไม่พร้อมใช้งาน", last.Data["message"])
	for _, ev := range events {
		if ev.Name == "progress" {
			assert.NotEqualValues(t, progress.DoneValue, ev.Data["value"])
		}
	}

	assert.Equal(t, 1, env.photos.Len())
	assert.Equal(t, rows, env.draftRows(t))
}

func TestIntegration_UploadRejectsNonImage(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	env := newTestEnv(t)
	env.backend.addUser(devUserID, car("1กข 1234"))
	env.login(t)
	rows := env.draftRows(t)
	require.Len(t, rows, 1)

	resp, body := env.uploadImage(t, rows[0], []byte("%PDF-1.4 not an image"))

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "รองรับเฉพาะไฟล์ภาพ")
	assert.Zero(t, env.photos.Len())
}

func TestIntegration_ReplacingImageReleasesPrevious(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	env := newTestEnv(t)
	env.backend.addUser(devUserID, car("1กข 1234"))
	env.login(t)
	rows := env.draftRows(t)
	require.Len(t, rows, 1)

	env.uploadImage(t, rows[0], minimalJPEG)
	env.uploadImage(t, rows[0], minimalJPEG)
	assert.Equal(t, 1, env.photos.Len())

	env.post(t, "/assess-car-damage/rows/"+rows[0]+"/image/delete", nil, true)
	assert.Zero(t, env.photos.Len())
	assert.Equal(t, rows, env.draftRows(t))
}

func TestIntegration_LargeUploadLeavesNoTempFiles(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	tmp := t.TempDir()
	t.Setenv("TMPDIR", tmp)

	env := newTestEnv(t)
	env.backend.addUser(devUserID, car("1กข 1234"))
	env.login(t)
	rows := env.draftRows(t)
	require.Len(t, rows, 1)

	large := make([]byte, 3<<20)
	copy(large, minimalJPEG)
	for i := 0; i < 3; i++ {
		resp, _ := env.uploadImage(t, rows[0], large)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	entries, err := os.ReadDir(tmp)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), "multipart-"), "left behind %s", e.Name())
	}
	assert.Equal(t, 1, env.photos.Len())
}

func TestIntegration_YearOptionsDefaultToFirstYear(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	env := newTestEnv(t)

	resp, body := env.get(t, "/catalog/years?prefix=cars.0.&target=vehicle-0-year&cars.0.model=Camry")

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `id="vehicle-0-year"`)
	assert.Contains(t, body, `name="cars.0.year"`)
	assert.Contains(t, body, `<option value="2025" selected>`)
}

func TestIntegration_LogoutClearsSession(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	env := newTestEnv(t)
	env.backend.addUser(devUserID)
	env.login(t)

	resp, _ := env.get(t, "/logout")
	assert.Equal(t, "/map-service", resp.Request.URL.Path)

	u, err := url.Parse(env.srv.URL)
	require.NoError(t, err)
	for _, c := range env.client.Jar.Cookies(u) {
		assert.NotEqual(t, identity.CookieName, c.Name)
	}
}

func TestIntegration_HealthAndMetrics(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	env := newTestEnv(t)
	env.backend.addUser(devUserID)
	env.get(t, "/member")

	resp, body := env.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body)

	resp, body = env.get(t, "/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `quickcheck_guard_decisions_total{state="registered"}`)
	assert.Contains(t, body, `quickcheck_backend_calls_total{op="check_user",outcome="ok"}`)
	assert.Contains(t, body, `quickcheck_http_requests_total{code="200",route="GET /member"}`)
}

func TestIntegration_SecurityHeaders(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	env := newTestEnv(t)

	resp, _ := env.get(t, "/map-service")

	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Contains(t, resp.Header.Get("Content-Security-Policy"), "frame-ancestors 'self' https://liff.line.me")
}
