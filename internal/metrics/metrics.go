package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Simple Prometheus-style metrics for HTTP requests and compression jobs.
// This is intentionally minimal and in-memory only.

var (
	mu             sync.RWMutex
	requestsTotal  = make(map[reqKey]int64)
	latencyMsSum   = make(map[latKey]int64)
	latencyMsCount = make(map[latKey]int64)

	uploadsTotal     int64
	uploadBytesTotal int64

	jobsCreated          = make(map[string]int64)
	jobsFinished         = make(map[string]int64)
	dispatchFailures     int64
	statusUpdateFailures = make(map[string]int64)

	compressionInputBytes  int64
	compressionOutputBytes int64
)

type reqKey struct {
	Method string
	Path   string
	Status int
}

type latKey struct {
	Method string
	Path   string
}

// RecordRequest increments request counter and records latency.
func RecordRequest(method, path string, status int, latencyMs int64) {
	mu.Lock()
	defer mu.Unlock()

	rk := reqKey{Method: method, Path: path, Status: status}
	requestsTotal[rk]++

	lk := latKey{Method: method, Path: path}
	latencyMsSum[lk] += latencyMs
	latencyMsCount[lk]++
}

// RecordUpload counts one stored upload of the given size.
func RecordUpload(size int64) {
	mu.Lock()
	defer mu.Unlock()
	uploadsTotal++
	if size > 0 {
		uploadBytesTotal += size
	}
}

// RecordJobCreated counts a compression job inserted for alg.
func RecordJobCreated(alg string) {
	mu.Lock()
	defer mu.Unlock()
	jobsCreated[alg]++
}

// RecordJobFinished counts a job that reached a terminal status.
func RecordJobFinished(status string) {
	mu.Lock()
	defer mu.Unlock()
	jobsFinished[status]++
}

// RecordDispatchFailure counts tasks that could not be handed to a worker.
func RecordDispatchFailure() {
	mu.Lock()
	defer mu.Unlock()
	dispatchFailures++
}

// RecordStatusUpdateFailure counts final status writes that failed and
// left the job in compressing. status is the status that was being set.
func RecordStatusUpdateFailure(status string) {
	mu.Lock()
	defer mu.Unlock()
	statusUpdateFailures[status]++
}

// RecordCompression adds the byte counts of one successful task.
func RecordCompression(inputBytes, outputBytes int) {
	mu.Lock()
	defer mu.Unlock()
	compressionInputBytes += int64(inputBytes)
	compressionOutputBytes += int64(outputBytes)
}

func writeLabeled(b *strings.Builder, name, help, label string, values map[string]int64) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s counter\n", name)

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, "%s{%s=\"%s\"} %d\n", name, label, k, values[k])
	}
}

func writeCounter(b *strings.Builder, name, help string, v int64) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s counter\n", name)
	fmt.Fprintf(b, "%s %d\n", name, v)
}

// Export returns Prometheus-style metrics text.
func Export() string {
	mu.RLock()
	defer mu.RUnlock()

	var b strings.Builder

	b.WriteString("# HELP squash_http_requests_total Total HTTP requests\n")
	b.WriteString("# TYPE squash_http_requests_total counter\n")

	// Sort keys for stable output
	var reqKeys []reqKey
	for k := range requestsTotal {
		reqKeys = append(reqKeys, k)
	}
	sort.Slice(reqKeys, func(i, j int) bool {
		if reqKeys[i].Method != reqKeys[j].Method {
			return reqKeys[i].Method < reqKeys[j].Method
		}
		if reqKeys[i].Path != reqKeys[j].Path {
			return reqKeys[i].Path < reqKeys[j].Path
		}
		return reqKeys[i].Status < reqKeys[j].Status
	})

	for _, k := range reqKeys {
		v := requestsTotal[k]
		fmt.Fprintf(&b, "squash_http_requests_total{method=\"%s\",path=\"%s\",status=\"%d\"} %d\n",
			k.Method, k.Path, k.Status, v)
	}

	b.WriteString("# HELP squash_http_request_duration_ms_sum Total request duration in milliseconds\n")
	b.WriteString("# TYPE squash_http_request_duration_ms_sum counter\n")
	b.WriteString("# HELP squash_http_request_duration_ms_count Request count for latency metric\n")
	b.WriteString("# TYPE squash_http_request_duration_ms_count counter\n")

	var latKeys []latKey
	for k := range latencyMsSum {
		latKeys = append(latKeys, k)
	}
	sort.Slice(latKeys, func(i, j int) bool {
		if latKeys[i].Method != latKeys[j].Method {
			return latKeys[i].Method < latKeys[j].Method
		}
		return latKeys[i].Path < latKeys[j].Path
	})

	for _, k := range latKeys {
		sum := latencyMsSum[k]
		cnt := latencyMsCount[k]
		fmt.Fprintf(&b, "squash_http_request_duration_ms_sum{method=\"%s\",path=\"%s\"} %d\n",
			k.Method, k.Path, sum)
		fmt.Fprintf(&b, "squash_http_request_duration_ms_count{method=\"%s\",path=\"%s\"} %d\n",
			k.Method, k.Path, cnt)
	}

	writeCounter(&b, "squash_uploads_total", "Total uploaded files", uploadsTotal)
	writeCounter(&b, "squash_upload_bytes_total", "Total uploaded bytes", uploadBytesTotal)

	writeLabeled(&b, "squash_jobs_created_total", "Compression jobs created", "alg", jobsCreated)
	writeLabeled(&b, "squash_jobs_finished_total", "Compression jobs that reached a terminal status", "status", jobsFinished)
	writeCounter(&b, "squash_job_dispatch_failures_total", "Compression tasks that could not be dispatched", dispatchFailures)
	writeLabeled(&b, "squash_job_status_update_failures_total", "Final status updates that failed", "status", statusUpdateFailures)

	writeCounter(&b, "squash_compression_input_bytes_total", "Bytes read by compression tasks", compressionInputBytes)
	writeCounter(&b, "squash_compression_output_bytes_total", "Bytes written by compression tasks", compressionOutputBytes)

	return b.String()
}
