package rabbitmq

import (
	"encoding/json"
	"testing"
)

func TestDecodeJob(t *testing.T) {
	body, _ := json.Marshal(JobMessage{JobID: "01HZX3R0000000000000000000", Attempt: 2})
	m, err := DecodeJob(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.JobID != "01HZX3R0000000000000000000" || m.Attempt != 2 {
		t.Fatalf("unexpected message %+v", m)
	}

	if _, err := DecodeJob([]byte(`{}`)); err == nil {
		t.Fatalf("expected error for missing job_id")
	}
	if _, err := DecodeJob([]byte(`not json`)); err == nil {
		t.Fatalf("expected error for malformed body")
	}
}
