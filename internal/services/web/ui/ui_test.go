package ui

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/louisbranch/waypost/internal/services/tracker/api/rest"
	"github.com/louisbranch/waypost/internal/services/tracker/blob"
	"github.com/louisbranch/waypost/internal/services/tracker/domain"
	"github.com/louisbranch/waypost/internal/services/tracker/storage/sqlite"
	"github.com/louisbranch/waypost/internal/sharegrant"
	"github.com/louisbranch/waypost/internal/trackerclient"
)

func startTracker(t *testing.T, grants *sharegrant.VerifierConfig) (*httptest.Server, *sqlite.Store) {
	t.Helper()

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "tracker.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	blobs, err := blob.NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("open blob store: %v", err)
	}
	api, err := rest.NewServer(rest.Stores{
		Projects:   store,
		Runs:       store,
		Metrics:    store,
		Keys:       store,
		Artifacts:  store,
		Manifests:  store,
		Telemetry:  store,
		Statistics: store,
	}, blobs, rest.Options{ViewBaseURL: "https://waypost.test", Grants: grants})
	if err != nil {
		t.Fatalf("new api server: %v", err)
	}

	mux := http.NewServeMux()
	api.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts, store
}

func mintSecret(t *testing.T, store *sqlite.Store, scopes ...domain.Scope) string {
	t.Helper()
	key, secret, err := domain.NewAPIKey("web-test-key", scopes, nil, nil)
	if err != nil {
		t.Fatalf("mint key: %v", err)
	}
	if err := store.CreateAPIKey(context.Background(), key); err != nil {
		t.Fatalf("store key: %v", err)
	}
	return secret
}

func startWeb(t *testing.T, cfg Config) *httptest.Server {
	t.Helper()
	handler, err := New(cfg)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

// seedRun starts a run with a small metric history through the API.
func seedRun(t *testing.T, client *trackerclient.Client, project, clientRunID, name string) trackerclient.Run {
	t.Helper()
	run, err := client.CreateRun(context.Background(), trackerclient.CreateRunParams{
		Project:     project,
		ClientRunID: clientRunID,
		RunName:     name,
		Config:      map[string]any{"learning_rate": 0.001, "optimizer": "adam"},
	})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if _, err := client.AppendMetrics(context.Background(), run.ID, []trackerclient.MetricPoint{
		{Name: "loss", Step: 0, Value: 2.5},
		{Name: "loss", Step: 1, Value: 1.25},
		{Name: "accuracy", Step: 1, Value: 0.5},
	}); err != nil {
		t.Fatalf("append metrics: %v", err)
	}
	return run
}

func newGrantKeys(t *testing.T) (sharegrant.SignerConfig, sharegrant.VerifierConfig) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	signer := sharegrant.SignerConfig{
		Issuer:   "waypost-test",
		Audience: "waypost-web",
		Key:      priv,
		TTL:      time.Hour,
	}
	verifier := sharegrant.VerifierConfig{
		Issuer:   "waypost-test",
		Audience: "waypost-web",
		Key:      pub,
	}
	return signer, verifier
}

func mustHash(t *testing.T, password string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	return string(hash)
}

func get(t *testing.T, client *http.Client, target string) (int, string) {
	t.Helper()
	resp, err := client.Get(target)
	if err != nil {
		t.Fatalf("get %s: %v", target, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, string(body)
}

func TestProjectsPageListsProjects(t *testing.T) {
	ts, store := startTracker(t, nil)
	secret := mintSecret(t, store, domain.ScopeWrite, domain.ScopeRead)
	api := trackerclient.New(ts.URL, secret, nil)
	seedRun(t, api, "mnist", "ui-1", "baseline")
	seedRun(t, api, "cifar", "ui-2", "resnet")

	webts := startWeb(t, Config{Tracker: trackerclient.New(ts.URL, secret, nil), Logger: zap.NewNop()})

	status, body := get(t, http.DefaultClient, webts.URL+"/projects")
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if !strings.Contains(body, "mnist") || !strings.Contains(body, "cifar") {
		t.Fatalf("projects page is missing a project:\n%s", body)
	}

	// The root redirects to the project index.
	status, body = get(t, http.DefaultClient, webts.URL+"/")
	if status != http.StatusOK || !strings.Contains(body, "mnist") {
		t.Fatalf("root did not land on projects, status %d", status)
	}
}

func TestProjectPageListsRunsByIDOrName(t *testing.T) {
	ts, store := startTracker(t, nil)
	secret := mintSecret(t, store, domain.ScopeWrite, domain.ScopeRead)
	api := trackerclient.New(ts.URL, secret, nil)
	run := seedRun(t, api, "mnist", "ui-3", "baseline")
	if _, err := api.FinishRun(context.Background(), run.ID); err != nil {
		t.Fatalf("finish run: %v", err)
	}
	seedRun(t, api, "mnist", "ui-4", "wider-net")

	webts := startWeb(t, Config{Tracker: trackerclient.New(ts.URL, secret, nil), Logger: zap.NewNop()})

	status, body := get(t, http.DefaultClient, webts.URL+"/projects/"+run.ProjectID)
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	for _, want := range []string{"baseline", "wider-net", "FINISHED", "ACTIVE"} {
		if !strings.Contains(body, want) {
			t.Fatalf("project page is missing %q:\n%s", want, body)
		}
	}

	// The same page answers under the project name.
	status, named := get(t, http.DefaultClient, webts.URL+"/projects/mnist")
	if status != http.StatusOK || !strings.Contains(named, "baseline") {
		t.Fatalf("project by name failed, status %d", status)
	}

	status, _ = get(t, http.DefaultClient, webts.URL+"/projects/no-such-project")
	if status != http.StatusNotFound {
		t.Fatalf("unknown project status = %d, want 404", status)
	}
}

func TestRunPageShowsConfigMetricsAndHistory(t *testing.T) {
	ts, store := startTracker(t, nil)
	secret := mintSecret(t, store, domain.ScopeWrite, domain.ScopeRead)
	api := trackerclient.New(ts.URL, secret, nil)
	run := seedRun(t, api, "mnist", "ui-5", "baseline")

	payload := []byte("fake checkpoint")
	if _, err := api.UploadArtifact(context.Background(), run.ID, "weights.bin", "application/octet-stream", "", bytes.NewReader(payload)); err != nil {
		t.Fatalf("upload artifact: %v", err)
	}

	webts := startWeb(t, Config{Tracker: trackerclient.New(ts.URL, secret, nil), Logger: zap.NewNop()})

	status, body := get(t, http.DefaultClient, webts.URL+"/projects/"+run.ProjectID+"/runs/"+run.ID)
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	for _, want := range []string{
		"baseline",
		"learning_rate", "0.001",
		"optimizer", "adam",
		"loss", "accuracy",
		"1.25", "2.5",
		"weights.bin",
		"data-live-url",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("run page is missing %q:\n%s", want, body)
		}
	}

	// Finishing the run removes the live section.
	if _, err := api.FinishRun(context.Background(), run.ID); err != nil {
		t.Fatalf("finish run: %v", err)
	}
	_, finished := get(t, http.DefaultClient, webts.URL+"/projects/"+run.ProjectID+"/runs/"+run.ID)
	if strings.Contains(finished, "data-live-url") {
		t.Fatal("finished run still renders the live section")
	}
	if !strings.Contains(finished, "FINISHED") {
		t.Fatal("finished run does not show its status")
	}
}

func TestRunPageRejectsRunOutsideProject(t *testing.T) {
	ts, store := startTracker(t, nil)
	secret := mintSecret(t, store, domain.ScopeWrite, domain.ScopeRead)
	api := trackerclient.New(ts.URL, secret, nil)
	mnist := seedRun(t, api, "mnist", "ui-6", "baseline")
	cifar := seedRun(t, api, "cifar", "ui-7", "resnet")

	webts := startWeb(t, Config{Tracker: trackerclient.New(ts.URL, secret, nil), Logger: zap.NewNop()})

	status, _ := get(t, http.DefaultClient, webts.URL+"/projects/"+cifar.ProjectID+"/runs/"+mnist.ID)
	if status != http.StatusNotFound {
		t.Fatalf("cross-project run status = %d, want 404", status)
	}
}

func TestArtifactDownloadStreamsContent(t *testing.T) {
	ts, store := startTracker(t, nil)
	secret := mintSecret(t, store, domain.ScopeWrite, domain.ScopeRead)
	api := trackerclient.New(ts.URL, secret, nil)
	run := seedRun(t, api, "mnist", "ui-8", "baseline")

	payload := []byte("step,loss\n0,2.5\n")
	artifact, err := api.UploadArtifact(context.Background(), run.ID, "history.csv", "text/csv", "", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("upload artifact: %v", err)
	}

	webts := startWeb(t, Config{Tracker: trackerclient.New(ts.URL, secret, nil), Logger: zap.NewNop()})

	resp, err := http.Get(webts.URL + "/artifacts/" + artifact.ID + "?name=history.csv")
	if err != nil {
		t.Fatalf("download artifact: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Type"); got != "text/csv" {
		t.Fatalf("content type = %q, want text/csv", got)
	}
	if got := resp.Header.Get("Content-Disposition"); !strings.Contains(got, "history.csv") {
		t.Fatalf("content disposition = %q, want the artifact name", got)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !bytes.Equal(body, payload) {
		t.Fatalf("body = %q, want %q", body, payload)
	}
}

func TestLoginGateProtectsPages(t *testing.T) {
	ts, store := startTracker(t, nil)
	secret := mintSecret(t, store, domain.ScopeWrite, domain.ScopeRead)
	api := trackerclient.New(ts.URL, secret, nil)
	seedRun(t, api, "mnist", "ui-9", "baseline")

	webts := startWeb(t, Config{
		Tracker:      trackerclient.New(ts.URL, secret, nil),
		PasswordHash: mustHash(t, "opensesame"),
		Logger:       zap.NewNop(),
	})

	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("new cookie jar: %v", err)
	}
	client := &http.Client{Jar: jar}

	// Anonymous requests land on the login form.
	status, body := get(t, client, webts.URL+"/projects")
	if status != http.StatusOK || !strings.Contains(body, `name="password"`) {
		t.Fatalf("anonymous request did not land on login, status %d", status)
	}

	// Static assets stay open.
	status, _ = get(t, client, webts.URL+"/static/waypost.css")
	if status != http.StatusOK {
		t.Fatalf("static asset status = %d, want 200", status)
	}

	// A wrong password re-renders the form with an error.
	resp, err := client.PostForm(webts.URL+"/login", url.Values{
		"password": {"nope"},
		"next":     {"/projects"},
	})
	if err != nil {
		t.Fatalf("post login: %v", err)
	}
	wrong, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized || !strings.Contains(string(wrong), "does not match") {
		t.Fatalf("wrong password status = %d, want 401 with error text", resp.StatusCode)
	}

	// The right password starts a session and lands on the requested page.
	resp, err = client.PostForm(webts.URL+"/login", url.Values{
		"password": {"opensesame"},
		"next":     {"/projects"},
	})
	if err != nil {
		t.Fatalf("post login: %v", err)
	}
	landed, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(landed), "mnist") {
		t.Fatalf("login did not land on projects, status %d", resp.StatusCode)
	}

	// Logout forgets the session.
	resp, err = client.PostForm(webts.URL+"/logout", nil)
	if err != nil {
		t.Fatalf("post logout: %v", err)
	}
	resp.Body.Close()
	status, body = get(t, client, webts.URL+"/projects")
	if !strings.Contains(body, `name="password"`) {
		t.Fatalf("request after logout was not gated, status %d", status)
	}
}

func TestLoginRejectsOffsiteRedirects(t *testing.T) {
	ts, store := startTracker(t, nil)
	secret := mintSecret(t, store, domain.ScopeRead)
	webts := startWeb(t, Config{
		Tracker:      trackerclient.New(ts.URL, secret, nil),
		PasswordHash: mustHash(t, "opensesame"),
		Logger:       zap.NewNop(),
	})

	client := &http.Client{CheckRedirect: func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := client.PostForm(webts.URL+"/login", url.Values{
		"password": {"opensesame"},
		"next":     {"https://evil.example.com/"},
	})
	if err != nil {
		t.Fatalf("post login: %v", err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("Location"); got != "/projects" {
		t.Fatalf("redirect = %q, want /projects", got)
	}
}

func TestShareGrantRendersRunWithoutLogin(t *testing.T) {
	signer, verifier := newGrantKeys(t)
	ts, store := startTracker(t, &verifier)
	secret := mintSecret(t, store, domain.ScopeWrite, domain.ScopeRead)
	api := trackerclient.New(ts.URL, secret, nil)
	run := seedRun(t, api, "mnist", "share-1", "baseline")

	webts := startWeb(t, Config{
		Tracker:      trackerclient.New(ts.URL, secret, nil),
		PasswordHash: mustHash(t, "opensesame"),
		Grants:       &verifier,
		Logger:       zap.NewNop(),
	})

	grant, err := sharegrant.Sign(signer, run.ProjectID, run.ID, nil)
	if err != nil {
		t.Fatalf("sign grant: %v", err)
	}

	// A run-scoped grant lands straight on the run page, no session.
	status, body := get(t, http.DefaultClient, webts.URL+"/share/"+grant)
	if status != http.StatusOK {
		t.Fatalf("share status = %d, want 200", status)
	}
	for _, want := range []string{"baseline", "loss", "1.25"} {
		if !strings.Contains(body, want) {
			t.Fatalf("share page is missing %q:\n%s", want, body)
		}
	}
	if strings.Contains(body, `href="/projects"`) {
		t.Fatal("share page links back into the gated dashboard")
	}
	if strings.Contains(body, "/logout") {
		t.Fatal("share page shows the logout control")
	}
}

func TestShareGrantScopeAndExpiry(t *testing.T) {
	signer, verifier := newGrantKeys(t)
	ts, store := startTracker(t, &verifier)
	secret := mintSecret(t, store, domain.ScopeWrite, domain.ScopeRead)
	api := trackerclient.New(ts.URL, secret, nil)
	shared := seedRun(t, api, "mnist", "share-2", "baseline")
	other := seedRun(t, api, "mnist", "share-3", "wider-net")

	webts := startWeb(t, Config{
		Tracker: trackerclient.New(ts.URL, secret, nil),
		Grants:  &verifier,
		Logger:  zap.NewNop(),
	})

	grant, err := sharegrant.Sign(signer, shared.ProjectID, shared.ID, nil)
	if err != nil {
		t.Fatalf("sign grant: %v", err)
	}

	// The grant does not leak sibling runs.
	status, _ := get(t, http.DefaultClient, webts.URL+"/share/"+grant+"/runs/"+other.ID)
	if status != http.StatusForbidden {
		t.Fatalf("sibling run status = %d, want 403", status)
	}

	// A tampered grant is rejected.
	status, _ = get(t, http.DefaultClient, webts.URL+"/share/"+grant+"x")
	if status != http.StatusForbidden {
		t.Fatalf("tampered grant status = %d, want 403", status)
	}

	// An expired grant is rejected with its own message.
	expiredVerifier := verifier
	expiredVerifier.Now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	expiredWeb := startWeb(t, Config{
		Tracker: trackerclient.New(ts.URL, secret, nil),
		Grants:  &expiredVerifier,
		Logger:  zap.NewNop(),
	})
	status, body := get(t, http.DefaultClient, expiredWeb.URL+"/share/"+grant)
	if status != http.StatusForbidden || !strings.Contains(body, "expired") {
		t.Fatalf("expired grant status = %d body %q, want 403 expired", status, body)
	}

	// Share routes 404 when grants are disabled.
	noGrants := startWeb(t, Config{Tracker: trackerclient.New(ts.URL, secret, nil), Logger: zap.NewNop()})
	status, _ = get(t, http.DefaultClient, noGrants.URL+"/share/"+grant)
	if status != http.StatusNotFound {
		t.Fatalf("share with grants disabled status = %d, want 404", status)
	}
}

func TestProjectShareKeepsLinksInsideGrant(t *testing.T) {
	signer, verifier := newGrantKeys(t)
	ts, store := startTracker(t, &verifier)
	secret := mintSecret(t, store, domain.ScopeWrite, domain.ScopeRead)
	api := trackerclient.New(ts.URL, secret, nil)
	run := seedRun(t, api, "mnist", "share-4", "baseline")

	webts := startWeb(t, Config{
		Tracker: trackerclient.New(ts.URL, secret, nil),
		Grants:  &verifier,
		Logger:  zap.NewNop(),
	})

	grant, err := sharegrant.Sign(signer, run.ProjectID, "", nil)
	if err != nil {
		t.Fatalf("sign grant: %v", err)
	}

	status, body := get(t, http.DefaultClient, webts.URL+"/share/"+grant)
	if status != http.StatusOK {
		t.Fatalf("share project status = %d, want 200", status)
	}
	if !strings.Contains(body, "/share/"+grant+"/runs/"+run.ID) {
		t.Fatalf("share run list does not link through the grant:\n%s", body)
	}

	// Following the link renders the run with a back link to the list.
	status, runPage := get(t, http.DefaultClient, webts.URL+"/share/"+grant+"/runs/"+run.ID)
	if status != http.StatusOK || !strings.Contains(runPage, "baseline") {
		t.Fatalf("shared run page failed, status %d", status)
	}
	if !strings.Contains(runPage, "/share/"+grant) {
		t.Fatal("shared run page has no way back to the shared list")
	}
}
