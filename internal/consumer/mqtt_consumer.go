package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/MatthewSnow2/parra-kind-connect-local-sub005/internal/ingest"
	"github.com/MatthewSnow2/parra-kind-connect-local-sub005/internal/mqtt"
)

// Normalizer 消费者需要的归一化操作
type Normalizer interface {
	ProcessEnvelope(ctx context.Context, env *ingest.Envelope) (*ingest.Result, error)
}

// SensorConsumer 传感器 MQTT 消费者
// 主题格式: sensor/{device_type}/{device_id}，payload 为可选的补充字段。
type SensorConsumer struct {
	mqttClient *mqtt.Client
	normalizer Normalizer
	topic      string
	qos        byte
	timeout    time.Duration
	logger     *zap.Logger
}

// NewSensorConsumer 创建传感器消费者
func NewSensorConsumer(mqttClient *mqtt.Client, normalizer Normalizer, topic string, qos byte, timeout time.Duration, logger *zap.Logger) *SensorConsumer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SensorConsumer{
		mqttClient: mqttClient,
		normalizer: normalizer,
		topic:      topic,
		qos:        qos,
		timeout:    timeout,
		logger:     logger,
	}
}

// Start 启动消费者，阻塞到上下文取消
func (c *SensorConsumer) Start(ctx context.Context) error {
	if err := c.mqttClient.Subscribe(c.topic, c.qos, c.handleMessage); err != nil {
		return fmt.Errorf("failed to subscribe to sensor topic: %w", err)
	}

	c.logger.Info("MQTT consumer started",
		zap.String("topic", c.topic))

	<-ctx.Done()
	return nil
}

// Stop 停止消费者
func (c *SensorConsumer) Stop(ctx context.Context) error {
	if err := c.mqttClient.Unsubscribe(c.topic); err != nil {
		c.logger.Error("Failed to unsubscribe", zap.Error(err))
	}

	c.logger.Info("MQTT consumer stopped")
	return nil
}

// handleMessage 处理一条 MQTT 消息
func (c *SensorConsumer) handleMessage(topic string, payload []byte) error {
	c.logger.Debug("Received MQTT message",
		zap.String("topic", topic),
		zap.Int("payload_size", len(payload)))

	env, err := c.parseTopic(topic)
	if err != nil {
		return err
	}

	// payload 可以补充 detected/observed_at/detail
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, env); err != nil {
			return fmt.Errorf("failed to unmarshal sensor payload: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	result, err := c.normalizer.ProcessEnvelope(ctx, env)
	if err != nil {
		return fmt.Errorf("failed to process sensor event: %w", err)
	}

	c.logger.Debug("Sensor event processed",
		zap.String("topic", topic),
		zap.String("outcome", string(result.Outcome)))

	return nil
}

// parseTopic 从主题提取设备类型和设备 ID
func (c *SensorConsumer) parseTopic(topic string) (*ingest.Envelope, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != "sensor" || parts[1] == "" || parts[2] == "" {
		return nil, fmt.Errorf("invalid topic format: %s", topic)
	}

	return &ingest.Envelope{
		DeviceType: parts[1],
		DeviceID:   parts[2],
	}, nil
}
