package redpanda

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Topics used by the order widget services
const (
	TopicRenderRequests = "orderwidget.render.requests"
	TopicRenderPlans    = "orderwidget.render.plans"
	TopicSectionEvents  = "orderwidget.section.events"
	TopicDeadLetter     = "dead.letter"
)

// TopicConfig describes a topic to create
type TopicConfig struct {
	Name              string
	Partitions        int32
	ReplicationFactor int16
	Configs           map[string]*string
}

var (
	deletePolicy = "delete"
	lz4          = "lz4"
)

func topicWithRetention(name string, partitions int32, retention time.Duration) TopicConfig {
	retentionMS := strconv.FormatInt(retention.Milliseconds(), 10)
	return TopicConfig{
		Name:              name,
		Partitions:        partitions,
		ReplicationFactor: 1,
		Configs: map[string]*string{
			"retention.ms":     &retentionMS,
			"cleanup.policy":   &deletePolicy,
			"compression.type": &lz4,
		},
	}
}

// DefaultTopicConfigs returns the topics the render worker and relay need.
// Render traffic is short lived; section events are kept for audit.
func DefaultTopicConfigs() []TopicConfig {
	return []TopicConfig{
		topicWithRetention(TopicRenderRequests, 12, 24*time.Hour),
		topicWithRetention(TopicRenderPlans, 12, 24*time.Hour),
		topicWithRetention(TopicSectionEvents, 6, 30*24*time.Hour),
		topicWithRetention(TopicDeadLetter, 3, 7*24*time.Hour),
	}
}

// Admin wraps the kadm client for topic setup and lag checks
type Admin struct {
	client *kadm.Client
	logger *zap.Logger
}

// NewAdmin creates an admin client
func NewAdmin(brokers []string, logger *zap.Logger) (*Admin, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cl, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("create admin client: %w", err)
	}
	return &Admin{client: kadm.NewClient(cl), logger: logger}, nil
}

// CreateTopics creates each topic. Existing topics are left as they are.
func (a *Admin) CreateTopics(ctx context.Context, configs []TopicConfig) error {
	var errs []error
	for _, tc := range configs {
		resp, err := a.client.CreateTopic(ctx, tc.Partitions, tc.ReplicationFactor, tc.Configs, tc.Name)
		switch {
		case err == nil && resp.Err == nil:
			a.logger.Info("topic created", zap.String("topic", tc.Name), zap.Int32("partitions", tc.Partitions))
		case errors.Is(resp.Err, kerr.TopicAlreadyExists):
			a.logger.Debug("topic exists", zap.String("topic", tc.Name))
		case err != nil:
			errs = append(errs, fmt.Errorf("create topic %s: %w", tc.Name, err))
		default:
			errs = append(errs, fmt.Errorf("create topic %s: %w", tc.Name, resp.Err))
		}
	}
	return errors.Join(errs...)
}

// EnsureTopics creates the default topics
func (a *Admin) EnsureTopics(ctx context.Context) error {
	return a.CreateTopics(ctx, DefaultTopicConfigs())
}

// GroupLag sums a consumer group's lag per topic
func (a *Admin) GroupLag(ctx context.Context, groupID string) (map[string]int64, error) {
	lags, err := a.client.Lag(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("group lag: %w", err)
	}
	perTopic := make(map[string]int64)
	lags.Each(func(l kadm.DescribedGroupLag) {
		for topic, partitions := range l.Lag {
			for _, pl := range partitions {
				perTopic[topic] += pl.Lag
			}
		}
	})
	return perTopic, nil
}

// Close closes the admin client
func (a *Admin) Close() {
	a.client.Close()
}

// HealthCheck pings the brokers
func HealthCheck(ctx context.Context, brokers []string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cl, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	defer cl.Close()
	if err := cl.Ping(ctx); err != nil {
		return fmt.Errorf("ping brokers: %w", err)
	}
	return nil
}
