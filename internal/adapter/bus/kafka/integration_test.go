package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	containerTypes "github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fairyhunter13/scrapehub/internal/domain"
)

// startRedpanda launches a single-node broker for integration tests.
func startRedpanda(t *testing.T) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	const hostPort = 19092
	req := tc.ContainerRequest{
		Image:        "redpandadata/redpanda:v24.3.7",
		ExposedPorts: []string{"9092/tcp", "9644/tcp"},
		Cmd: []string{
			"redpanda", "start",
			"--overprovisioned",
			"--smp", "1",
			"--memory", "256M",
			"--reserve-memory", "0M",
			"--node-id", "0",
			"--check=false",
			"--kafka-addr", "PLAINTEXT://0.0.0.0:9092",
			"--advertise-kafka-addr", fmt.Sprintf("PLAINTEXT://127.0.0.1:%d", hostPort),
			"--default-log-level=error",
			"--mode", "dev-container",
		},
		WaitingFor: wait.ForListeningPort("9092/tcp").WithStartupTimeout(30 * time.Second),
	}
	req.HostConfigModifier = func(hc *containerTypes.HostConfig) {
		if hc.PortBindings == nil {
			hc.PortBindings = nat.PortMap{}
		}
		hc.PortBindings[nat.Port("9092/tcp")] = []nat.PortBinding{
			{HostIP: "0.0.0.0", HostPort: fmt.Sprintf("%d", hostPort)},
		}
	}

	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		cctx, ccancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer ccancel()
		_ = container.Terminate(cctx)
	})
	return fmt.Sprintf("localhost:%d", hostPort)
}

func TestIntegration_PublishAndConsume(t *testing.T) {
	if os.Getenv("KAFKA_INTEGRATION") == "" {
		t.Skip("set KAFKA_INTEGRATION=1 to run broker integration tests")
	}
	broker := startRedpanda(t)

	topics := Topics{
		Jobs:       "it-jobs",
		Events:     "it-events",
		Enrichment: "it-enrichment",
		DLQ:        "it-dlq",
	}
	pub, err := NewPublisher([]string{broker}, topics, "scrapehub-it")
	require.NoError(t, err)
	defer pub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	rec := domain.JobRecord{Source: domain.SourceRSS, Title: "SRE", Company: domain.Company{Name: "Acme"}}
	rec.EnsureID()
	require.NoError(t, pub.PublishJob(ctx, "task-1", rec))
	require.NoError(t, pub.PublishLifecycle(ctx, EventScrapingCompleted, map[string]any{
		"task_id": "task-1", "records": 1, "success": true,
	}))

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(broker),
		kgo.ConsumeTopics(topics.Jobs, topics.Events),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	require.NoError(t, err)
	defer consumer.Close()

	byTopic := map[string][]Message{}
	deadline := time.After(30 * time.Second)
	for len(byTopic[topics.Jobs]) == 0 || len(byTopic[topics.Events]) == 0 {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for messages, got %v", byTopic)
		default:
		}
		fetches := consumer.PollFetches(ctx)
		fetches.EachRecord(func(r *kgo.Record) {
			var msg Message
			require.NoError(t, json.Unmarshal(r.Value, &msg))
			byTopic[r.Topic] = append(byTopic[r.Topic], msg)
			if r.Topic == topics.Jobs {
				assert.Equal(t, "job_"+rec.ID, string(r.Key))
			}
		})
	}

	jobMsg := byTopic[topics.Jobs][0]
	assert.Equal(t, "job_record", jobMsg.Type)
	assert.Equal(t, "task-1", jobMsg.Metadata["task_id"])

	eventMsg := byTopic[topics.Events][0]
	assert.Equal(t, EventScrapingCompleted, eventMsg.Type)
}

func TestIntegration_CommandRoundTrip(t *testing.T) {
	if os.Getenv("KAFKA_INTEGRATION") == "" {
		t.Skip("set KAFKA_INTEGRATION=1 to run broker integration tests")
	}
	broker := startRedpanda(t)

	const topic = "it-scraping-tasks"
	var (
		mu   sync.Mutex
		got  []domain.Command
		seen = make(chan struct{}, 4)
	)
	consumer, err := NewCommandConsumer([]string{broker}, "it-group", topic, func(_ context.Context, cmd domain.Command) {
		mu.Lock()
		got = append(got, cmd)
		mu.Unlock()
		seen <- struct{}{}
	})
	require.NoError(t, err)
	defer consumer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = consumer.Run(ctx) }()

	producer, err := kgo.NewClient(kgo.SeedBrokers(broker))
	require.NoError(t, err)
	defer producer.Close()

	valid := []byte(`{"type":"start","sources":["rss"],"filters":{"keywords":["golang"]}}`)
	malformed := []byte(`{"type":"start","sources":["rss"],"bogus_field":1}`)
	res := producer.ProduceSync(ctx,
		&kgo.Record{Topic: topic, Value: valid},
		&kgo.Record{Topic: topic, Value: malformed},
	)
	require.NoError(t, res.FirstErr())

	select {
	case <-seen:
	case <-time.After(30 * time.Second):
		t.Fatal("command never reached the handler")
	}
	// Give the malformed record a moment to be (discarded) too.
	time.Sleep(time.Second)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1, "malformed command must be discarded")
	assert.Equal(t, domain.CommandStart, got[0].Type)
	assert.Equal(t, []domain.SourceKind{domain.SourceRSS}, got[0].Sources)
}
