package registration

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// PoseMessage is the payload published on <prefix>/pose
type PoseMessage struct {
	Frame      int       `json:"frame"`
	X          float64   `json:"x"`
	Y          float64   `json:"y"`
	Z          float64   `json:"z"`
	Transform  Transform `json:"transform"`
	Cost       float64   `json:"cost"`
	State      State     `json:"state"`
	Iterations int       `json:"iterations"`
	Timestamp  int64     `json:"timestamp"`
}

// TrajectoryMessage is the payload published on <prefix>/trajectory
type TrajectoryMessage struct {
	Frames     int          `json:"frames"`
	PathLength float64      `json:"pathLength"`
	Positions  [][3]float64 `json:"positions"`
	Timestamp  int64        `json:"timestamp"`
}

// Publisher publishes poses and the trajectory summary to MQTT
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
	log           *zap.SugaredLogger
	last          *PoseMessage
	mu            sync.RWMutex
}

// NewPublisher creates a new pose publisher. An empty prefix defaults to
// "pcreg". If client is nil, publishing is disabled.
func NewPublisher(client mqtt.Client, prefix string, log *zap.SugaredLogger) *Publisher {
	if prefix == "" {
		prefix = "pcreg"
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		qos:           0,    // fire and forget
		retain:        true, // Retain for latest pose
		log:           log,
	}
}

// PublishFrame publishes the pose of a registered frame and the updated
// trajectory summary
func (p *Publisher) PublishFrame(res FrameResult, traj *Trajectory) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	pos := res.Pose.Position
	msg := &PoseMessage{
		Frame:      res.Frame,
		X:          pos.X,
		Y:          pos.Y,
		Z:          pos.Z,
		Transform:  res.Pose.Transform,
		Cost:       res.Registration.Cost,
		State:      res.Pose.State,
		Iterations: res.Registration.Iterations,
		Timestamp:  time.Now().Unix(),
	}
	p.mu.Lock()
	p.last = msg
	p.mu.Unlock()

	if err := p.publish("pose", msg); err != nil {
		return err
	}
	p.log.Debugf("[MQTT] published pose for frame %d: (%.0f, %.0f, %.0f)", msg.Frame, pos.X, pos.Y, pos.Z)

	if traj == nil {
		return nil
	}
	positions := traj.Positions()
	summary := TrajectoryMessage{
		Frames:     traj.Len(),
		PathLength: traj.PathLength(),
		Positions:  make([][3]float64, len(positions)),
		Timestamp:  time.Now().Unix(),
	}
	for i, v := range positions {
		summary.Positions[i] = [3]float64{v.X, v.Y, v.Z}
	}
	return p.publish("trajectory", summary)
}

func (p *Publisher) publish(suffix string, v interface{}) error {
	topic := fmt.Sprintf("%s/%s", p.publishPrefix, suffix)

	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", suffix, err)
	}

	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

// LastPose returns the last published pose
func (p *Publisher) LastPose() (PoseMessage, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.last == nil {
		return PoseMessage{}, false
	}
	return *p.last, true
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether published messages should be retained by the broker
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}
