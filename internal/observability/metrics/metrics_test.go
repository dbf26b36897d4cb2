package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveRequest(t *testing.T) {
	recorder := New()

	recorder.ObserveRequest("get", "/download/all/{username}", http.StatusOK, 50*time.Millisecond)
	recorder.ObserveRequest("GET", "/download/all/{username}", http.StatusOK, 75*time.Millisecond)
	recorder.ObserveRequest("GET", "", http.StatusNotFound, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(recorder.requests.WithLabelValues("GET", "/download/all/{username}", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(recorder.requests.WithLabelValues("GET", "unmatched", "404")))
	assert.Equal(t, 2, testutil.CollectAndCount(recorder.requestDuration))
}

func TestWorkspaceAndCleanupGauges(t *testing.T) {
	recorder := New()

	recorder.WorkspaceOpened()
	recorder.WorkspaceOpened()
	recorder.WorkspaceClosed()
	recorder.CleanupPending(4)
	recorder.CleanupCompleted("scheduled")
	recorder.CleanupCompleted("scheduled")
	recorder.CleanupCompleted("error")

	assert.Equal(t, 1.0, testutil.ToFloat64(recorder.activeWorkspaces))
	assert.Equal(t, 4.0, testutil.ToFloat64(recorder.pendingCleanups))
	assert.Equal(t, 2.0, testutil.ToFloat64(recorder.cleanups.WithLabelValues("scheduled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(recorder.cleanups.WithLabelValues("error")))
}

func TestDownloadCounters(t *testing.T) {
	recorder := New()

	recorder.ObserveAdmission(true)
	recorder.ObserveAdmission(false)
	recorder.ObserveAdmission(false)
	recorder.Packaged("archive", 2048)
	recorder.FetchCompleted("profile", "ok", time.Second)
	recorder.DownloadCompleted("profile", "OK", 2*time.Second)
	recorder.DownloadCompleted("post", "NOT_FOUND", time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(recorder.admission.WithLabelValues("allowed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(recorder.admission.WithLabelValues("denied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(recorder.packages.WithLabelValues("archive")))
	assert.Equal(t, 1.0, testutil.ToFloat64(recorder.downloads.WithLabelValues("post", "NOT_FOUND")))
	assert.Equal(t, 1, testutil.CollectAndCount(recorder.fetchDuration))
}

func TestHandlerExposesMetrics(t *testing.T) {
	recorder := New()
	recorder.DownloadCompleted("profile", "OK", time.Second)

	rr := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	body, err := io.ReadAll(rr.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `feedpack_downloads_total{code="OK",kind="profile"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestRecordersAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.ObserveAdmission(true)

	assert.Equal(t, 1.0, testutil.ToFloat64(a.admission.WithLabelValues("allowed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.admission.WithLabelValues("allowed")))
	assert.NotSame(t, a.Registry(), b.Registry())
}

func TestConcurrentObservations(t *testing.T) {
	recorder := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			recorder.WorkspaceOpened()
			recorder.ObserveRequest(http.MethodGet, "/health", http.StatusOK, time.Millisecond)
			recorder.WorkspaceClosed()
		}()
	}
	wg.Wait()

	assert.Equal(t, 0.0, testutil.ToFloat64(recorder.activeWorkspaces))
	assert.Equal(t, 50.0, testutil.ToFloat64(recorder.requests.WithLabelValues("GET", "/health", "200")))
}
