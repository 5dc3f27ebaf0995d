package command

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semstreams-robotics/errors"
	"github.com/c360/semstreams-robotics/logging"
)

func TestParse_Valid(t *testing.T) {
	cmd, err := Parse([]byte(`{
		"node_type": "publisher",
		"msg_type": "geometry_msgs/msg/Twist",
		"name": "/turtle1/cmd_vel",
		"timer_period": 0.5,
		"msg": {"linear": {"x": 2.0}, "angular": {"z": 1}},
		"ros_log": {"name": "turtle_logger", "level": "warn", "msg": "Created turtle publisher"}
	}`))
	require.NoError(t, err)

	assert.Equal(t, KindPublisher, cmd.NodeType)
	assert.Equal(t, "geometry_msgs/msg/Twist", cmd.MsgType)
	assert.Equal(t, "/turtle1/cmd_vel", cmd.Name)
	assert.Equal(t, 500*time.Millisecond, cmd.Period())
	assert.Equal(t, SentinelNone, cmd.Sentinel)
	require.Contains(t, cmd.Payload, "linear")
	assert.Equal(t, json.Number("2.0"), cmd.Payload["linear"].(map[string]any)["x"])

	require.NotNil(t, cmd.RosLog)
	assert.Equal(t, "turtle_logger", cmd.LoggerName())
	assert.Equal(t, logging.LevelWarn, cmd.RosLog.LogLevel())
	assert.Equal(t, "Created turtle publisher", cmd.RosLog.Msg)
}

func TestParse_Defaults(t *testing.T) {
	cmd, err := Parse([]byte(`{"node_type":"subscriber","msg_type":"std_msgs/msg/String","name":"chatter","msg":{},"ros_log":""}`))
	require.NoError(t, err)

	assert.Nil(t, cmd.RosLog)
	assert.Equal(t, "chatter_log", cmd.LoggerName())
	assert.Equal(t, logging.LevelInfo, cmd.RosLog.LogLevel())
	assert.Zero(t, cmd.Period())
	assert.NotNil(t, cmd.Payload)
	assert.Empty(t, cmd.Payload)

	cmd, err = Parse([]byte(`{"node_type":"subscriber","msg_type":"std_msgs/msg/String","name":"chatter","msg":{},"ros_log":{"msg":"hi","level":"LOUD"}}`))
	require.NoError(t, err)
	assert.Equal(t, logging.LevelInfo, cmd.RosLog.LogLevel())
	assert.Equal(t, "chatter_log", cmd.LoggerName())

	cmd, err = Parse([]byte(`{"node_type":"publisher","msg_type":"geometry_msgs/msg/Twist","name":"/turtle1/cmd_vel","msg":{}}`))
	require.NoError(t, err)
	assert.Equal(t, "/turtle1/cmd_vel_log", cmd.LoggerName())
}

func TestParse_Sentinels(t *testing.T) {
	tests := []struct {
		name     string
		kind     Kind
		msg      string
		want     Sentinel
		wantFail bool
	}{
		{"destroy lower", KindPublisher, "destroy", SentinelDestroy, false},
		{"destroy upper", KindSubscriber, "DESTROY", SentinelDestroy, false},
		{"destroy mixed", KindServiceClient, "DeStRoY", SentinelDestroy, false},
		{"cancel action", KindActionClient, "Cancel", SentinelCancel, false},
		{"destroy action", KindActionClient, "destroy", SentinelDestroy, false},
		{"cancel publisher", KindPublisher, "cancel", SentinelNone, true},
		{"cancel service", KindServiceClient, "CANCEL", SentinelNone, true},
		{"other string", KindActionClient, "stop", SentinelNone, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(map[string]any{
				"node_type": tt.kind,
				"msg_type":  "std_msgs/msg/String",
				"name":      "chatter",
				"msg":       tt.msg,
			})
			require.NoError(t, err)

			cmd, err := Parse(data)
			if tt.wantFail {
				require.Error(t, err)
				assert.ErrorIs(t, err, errors.ErrValidation)
				assert.True(t, errors.IsInvalid(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, cmd.Sentinel)
			assert.Nil(t, cmd.Payload)
			assert.Equal(t, tt.want == SentinelDestroy, cmd.IsDestroy())
			assert.Equal(t, tt.want == SentinelCancel, cmd.IsCancel())
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `{"node_type":`},
		{"array", `[]`},
		{"missing node_type", `{"msg_type":"std_msgs/msg/String","name":"chatter","msg":{}}`},
		{"unknown node_type", `{"node_type":"timer","msg_type":"std_msgs/msg/String","name":"chatter","msg":{}}`},
		{"missing msg", `{"node_type":"publisher","msg_type":"std_msgs/msg/String","name":"chatter"}`},
		{"empty name", `{"node_type":"publisher","msg_type":"std_msgs/msg/String","name":"","msg":{}}`},
		{"empty msg_type", `{"node_type":"publisher","msg_type":"","name":"chatter","msg":{}}`},
		{"negative period", `{"node_type":"publisher","msg_type":"std_msgs/msg/String","name":"chatter","timer_period":-1,"msg":{}}`},
		{"string period", `{"node_type":"publisher","msg_type":"std_msgs/msg/String","name":"chatter","timer_period":"1s","msg":{}}`},
		{"array msg", `{"node_type":"publisher","msg_type":"std_msgs/msg/String","name":"chatter","msg":[1]}`},
		{"ros_log without msg", `{"node_type":"publisher","msg_type":"std_msgs/msg/String","name":"chatter","msg":{},"ros_log":{"name":"x"}}`},
		{"ros_log non-empty string", `{"node_type":"publisher","msg_type":"std_msgs/msg/String","name":"chatter","msg":{},"ros_log":"hello"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := Parse([]byte(tt.data))
			require.Error(t, err)
			assert.Nil(t, cmd)
			assert.ErrorIs(t, err, errors.ErrValidation)
			assert.Equal(t, "validation", errors.Kind(err))
		})
	}
}

func TestCommand_MarshalJSON(t *testing.T) {
	cmd, err := Parse([]byte(`{"node_type":"action_client","msg_type":"example_interfaces/action/Fibonacci","name":"fibonacci","msg":"CANCEL"}`))
	require.NoError(t, err)

	data, err := json.Marshal(cmd)
	require.NoError(t, err)
	assert.JSONEq(t, `{"node_type":"action_client","msg_type":"example_interfaces/action/Fibonacci","name":"fibonacci","timer_period":0,"msg":"cancel"}`, string(data))

	again, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, cmd, again)
}

func TestEvent(t *testing.T) {
	cmd, err := Parse([]byte(`{"node_type":"action_client","msg_type":"example_interfaces/action/Fibonacci","name":"fibonacci","msg":{"order":3},"ros_log":{"msg":"go"}}`))
	require.NoError(t, err)

	ev := NewEvent(cmd, EventResult, map[string]any{"sequence": []any{int64(0), int64(1)}}).WithGoal("g-1", "SUCCEEDED")
	data, err := ev.Marshal()
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, "action_client", out["node_type"])
	assert.Equal(t, "fibonacci", out["name"])
	assert.Equal(t, "result", out["event"])
	assert.Equal(t, "g-1", out["goal_id"])
	assert.Equal(t, "SUCCEEDED", out["status"])
	assert.Equal(t, map[string]any{"sequence": []any{0.0, 1.0}}, out["msg"])
	assert.Equal(t, map[string]any{"msg": "go"}, out["ros_log"])

	empty := NewEvent(cmd, EventAccepted, nil)
	assert.NotNil(t, empty.Msg)
	assert.Empty(t, empty.GoalID)
}

func TestKind(t *testing.T) {
	for _, k := range Kinds {
		assert.True(t, k.Valid(), k)
	}
	assert.False(t, Kind("timer").Valid())
	assert.NotEmpty(t, Schema())
}
