//go:build integration

package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/c360/semstreams-robotics/codec"
	"github.com/c360/semstreams-robotics/natsclient"
)

// NATSTransportSuite runs both ends of each endpoint kind over a real broker,
// one client connection per side.
type NATSTransportSuite struct {
	suite.Suite

	ctx        context.Context
	tc         *natsclient.TestClient
	serverConn *natsclient.Client
	clientNode *Node
	serverNode *Node
}

func TestIntegration_NATSTransport(t *testing.T) {
	suite.Run(t, new(NATSTransportSuite))
}

func (s *NATSTransportSuite) SetupSuite() {
	s.ctx = context.Background()
	s.tc = natsclient.NewTestClient(s.T(), natsclient.WithFastStartup())
	s.serverConn = s.tc.NewConnectedClient(s.T())

	s.clientNode = NewNode(NewNATSTransport(s.tc.Client), "it", WithCallTimeout(2*time.Second))
	s.serverNode = NewNode(NewNATSTransport(s.serverConn), "it")
}

func (s *NATSTransportSuite) TestTopic() {
	t := s.T()
	d := resolve(t, "geometry_msgs/msg/Twist")
	got := make(chan map[string]any, 1)
	sub, err := s.serverNode.NewSubscriber(s.ctx, "/turtle1/cmd_vel", d.Message, func(m *codec.Message) {
		got <- codec.Decode(m)
	})
	s.Require().NoError(err)
	defer sub.Close()
	s.Require().NoError(s.serverConn.Flush(s.ctx))

	pub, err := s.clientNode.NewPublisher("/turtle1/cmd_vel", d.Message)
	s.Require().NoError(err)
	s.Require().NoError(pub.Publish(s.ctx, encode(t, map[string]any{"linear": map[string]any{"x": 2.0}}, d.Message)))

	select {
	case m := <-got:
		s.Equal(2.0, m["linear"].(map[string]any)["x"])
	case <-time.After(2 * time.Second):
		s.Fail("twist not delivered")
	}
}

func (s *NATSTransportSuite) TestService() {
	t := s.T()
	d := resolve(t, "example_interfaces/srv/AddTwoInts")
	srv, err := s.serverNode.NewServiceServer(s.ctx, "add_two_ints", d, func(_ context.Context, req *codec.Message) (*codec.Message, error) {
		a, _ := req.Get("a")
		b, _ := req.Get("b")
		return codec.Encode(map[string]any{"sum": a.(int64) + b.(int64)}, d.Response)
	})
	s.Require().NoError(err)
	defer srv.Close()
	s.Require().NoError(s.serverConn.Flush(s.ctx))

	client, err := s.clientNode.NewServiceClient("add_two_ints", d)
	s.Require().NoError(err)
	s.Require().True(client.WaitForService(s.ctx, time.Second))

	resp, err := client.Call(s.ctx, encode(t, map[string]any{"a": 40, "b": 2}, d.Request))
	s.Require().NoError(err)
	s.Equal(map[string]any{"sum": int64(42)}, codec.Decode(resp))
	s.Equal(int64(1), srv.Calls())
}

func (s *NATSTransportSuite) TestServiceUnavailable() {
	d := resolve(s.T(), "std_srvs/srv/Trigger")
	client, err := s.clientNode.NewServiceClient("nobody_home", d)
	s.Require().NoError(err)
	s.False(client.WaitForService(s.ctx, 100*time.Millisecond))
}

func (s *NATSTransportSuite) TestAction() {
	t := s.T()
	d := resolve(t, "example_interfaces/action/Fibonacci")
	srv, err := s.serverNode.NewActionServer(s.ctx, "fibonacci", d, fibonacci(d))
	s.Require().NoError(err)
	defer srv.Close()
	s.Require().NoError(s.serverConn.Flush(s.ctx))

	client, err := s.clientNode.NewActionClient("fibonacci", d)
	s.Require().NoError(err)
	defer client.Close()
	s.Require().True(client.WaitForServer(s.ctx, time.Second))

	rec := newGoalRecorder()
	h, err := client.SendGoal(s.ctx, encode(t, map[string]any{"order": 5}, d.Goal), rec.callbacks())
	s.Require().NoError(err)
	s.Require().True(h.Accepted)

	rec.wait(t)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	s.Len(rec.feedback, 4)
	s.Equal(StatusSucceeded, rec.status)
	s.Equal([]any{int64(0), int64(1), int64(1), int64(2), int64(3), int64(5)}, rec.result["sequence"])
}
