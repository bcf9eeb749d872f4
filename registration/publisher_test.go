package registration

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFrame() (FrameResult, *Trajectory) {
	traj := NewTrajectory()
	res := RegistrationResult{Cost: 12.5, State: StateConverged, Iterations: 9}
	pose := traj.Append(Translation(100, 0, 200), res)
	return FrameResult{Frame: 1, Pose: pose, Registration: res}, traj
}

func TestNewPublisher(t *testing.T) {
	p := NewPublisher(nil, "", nil)
	require.NotNil(t, p)
	assert.Equal(t, "pcreg", p.publishPrefix)
	assert.Equal(t, byte(0), p.qos)
	assert.True(t, p.retain)

	_, ok := p.LastPose()
	assert.False(t, ok)
}

func TestPublisher_NotConnected(t *testing.T) {
	res, traj := testFrame()

	assert.Error(t, NewPublisher(nil, "x", nil).PublishFrame(res, traj))
	assert.Error(t, NewPublisher(NewMockClient(), "x", nil).PublishFrame(res, traj))
}

func TestPublisher_PublishFrame(t *testing.T) {
	client := NewMockClient()
	client.SetConnected(true)
	p := NewPublisher(client, "lab", nil)

	res, traj := testFrame()
	require.NoError(t, p.PublishFrame(res, traj))

	msgs := client.GetPublishedMessages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "lab/pose", msgs[0].Topic)
	assert.Equal(t, "lab/trajectory", msgs[1].Topic)
	for _, m := range msgs {
		assert.True(t, m.Retain)
		assert.Equal(t, byte(0), m.QoS)
	}

	var pose PoseMessage
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &pose))
	assert.Equal(t, 1, pose.Frame)
	assert.Equal(t, 100.0, pose.X)
	assert.Equal(t, 200.0, pose.Z)
	assert.Equal(t, StateConverged, pose.State)
	assert.Equal(t, 9, pose.Iterations)

	var summary TrajectoryMessage
	require.NoError(t, json.Unmarshal(msgs[1].Payload, &summary))
	assert.Equal(t, 2, summary.Frames)
	require.Len(t, summary.Positions, 2)
	assert.Equal(t, [3]float64{100, 0, 200}, summary.Positions[1])

	last, ok := p.LastPose()
	require.True(t, ok)
	assert.Equal(t, pose.Frame, last.Frame)
}

func TestPublisher_PoseOnly(t *testing.T) {
	client := NewMockClient()
	client.SetConnected(true)
	p := NewPublisher(client, "", nil)

	res, _ := testFrame()
	require.NoError(t, p.PublishFrame(res, nil))
	assert.Len(t, client.GetPublishedMessages(), 1)
}

func TestPublisher_PublishError(t *testing.T) {
	client := NewMockClient()
	client.SetConnected(true)
	client.SetPublishError(errors.New("broker full"))
	p := NewPublisher(client, "", nil)

	res, traj := testFrame()
	err := p.PublishFrame(res, traj)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pcreg/pose")
}

func TestPublisher_Settings(t *testing.T) {
	client := NewMockClient()
	client.SetConnected(true)
	p := NewPublisher(client, "", nil)
	p.SetQoS(1)
	p.SetQoS(7) // ignored
	p.SetRetain(false)

	res, _ := testFrame()
	require.NoError(t, p.PublishFrame(res, nil))
	msg := client.GetPublishedMessages()[0]
	assert.Equal(t, byte(1), msg.QoS)
	assert.False(t, msg.Retain)
}
