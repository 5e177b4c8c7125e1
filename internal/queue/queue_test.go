package queue

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"

	"github.com/srg/pixels/internal/pixel"
)

type recorded struct {
	kind string
	id   pixel.ID
}

type PriorityQueueSuite struct {
	suite.Suite
	q      *PriorityQueue
	events []recorded
}

func (s *PriorityQueueSuite) SetupTest() {
	s.q = New(logrus.New())
	s.events = nil
	s.q.OnQueued.Subscribe(func(id pixel.ID) { s.events = append(s.events, recorded{"queued", id}) })
	s.q.OnRequeued.Subscribe(func(id pixel.ID) { s.events = append(s.events, recorded{"requeued", id}) })
	s.q.OnDequeued.Subscribe(func(id pixel.ID) { s.events = append(s.events, recorded{"dequeued", id}) })
}

func (s *PriorityQueueSuite) TestQueueNewIDs() {
	s.q.Queue(1, Low)
	s.q.Queue(2, High)
	s.q.Queue(3, Low)

	s.Equal([]pixel.ID{1, 3, 2}, s.q.AllIDs())
	s.Equal([]pixel.ID{2}, s.q.HighPriorityIDs())
	s.Equal([]pixel.ID{1, 3}, s.q.LowPriorityIDs())
	s.Equal(3, s.q.Len())
	s.Equal([]recorded{{"queued", 1}, {"queued", 2}, {"queued", 3}}, s.events)
}

func (s *PriorityQueueSuite) TestHighThenLowMovesTier() {
	s.q.Queue(7, High)
	s.True(s.q.Includes(7))
	s.q.Queue(7, Low)

	s.True(s.q.Includes(7))
	s.True(s.q.IsLowPriority(7))
	s.False(s.q.IsHighPriority(7))
	s.Equal([]pixel.ID{7}, s.q.AllIDs())
	s.Equal([]recorded{{"queued", 7}, {"requeued", 7}}, s.events)
}

func (s *PriorityQueueSuite) TestRequeueTailIsOrderNoOp() {
	s.q.Queue(1, High)
	s.q.Queue(2, High)
	s.events = nil

	s.q.Queue(2, High)
	s.Equal([]pixel.ID{1, 2}, s.q.HighPriorityIDs())
	s.Equal([]recorded{{"requeued", 2}}, s.events)
}

func (s *PriorityQueueSuite) TestRequeueMovesToBack() {
	s.q.Queue(1, Low)
	s.q.Queue(2, Low)
	s.q.Queue(3, Low)

	s.q.Queue(1, Low)
	s.Equal([]pixel.ID{2, 3, 1}, s.q.LowPriorityIDs())
}

func (s *PriorityQueueSuite) TestDequeue() {
	s.q.Queue(1, Low)
	s.q.Queue(2, High)
	s.events = nil

	p, ok := s.q.Dequeue(2)
	s.True(ok)
	s.Equal(High, p)

	p, ok = s.q.Dequeue(1)
	s.True(ok)
	s.Equal(Low, p)

	s.Zero(s.q.Len())
	s.Equal([]recorded{{"dequeued", 2}, {"dequeued", 1}}, s.events)
}

func (s *PriorityQueueSuite) TestDequeueAbsentIsSilent() {
	s.q.Queue(1, Low)
	s.events = nil

	_, ok := s.q.Dequeue(99)
	s.False(ok)
	s.Empty(s.events)
	s.Equal(1, s.q.Len())
}

func TestPriorityQueueSuite(t *testing.T) {
	suite.Run(t, new(PriorityQueueSuite))
}

func TestPriority_String(t *testing.T) {
	assert.Equal(t, "low", Low.String())
	assert.Equal(t, "high", High.String())
	assert.Equal(t, "priority(5)", Priority(5).String())
}
