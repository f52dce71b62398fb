// Package management is the broker's typed query surface: queue and broker
// statistics addressed by structured object names.
package management

import (
	"fmt"

	"github.com/moroshma/MiniToolQueue/internal/domain/entity"
	qerr "github.com/moroshma/MiniToolQueue/pkg/errors"
)

// Inspector is what management needs to know about a broker.
type Inspector interface {
	BrokerName() string
	Status() string
	Persistent() bool
	ConnectorURIs() []string
	Connections() int
	Sessions() int
	InFlight() int
	Queues() []string
	QueueStats(name string) (entity.QueueStats, error)
	AddConnector(uri string) error
}

// QueueView is a queue's statistics together with its object name.
type QueueView struct {
	ObjectName string `json:"object_name"`
	entity.QueueStats
}

// BrokerView summarizes a broker.
type BrokerView struct {
	ObjectName        string   `json:"object_name"`
	BrokerName        string   `json:"broker_name"`
	Status            string   `json:"status"`
	Persistent        bool     `json:"persistent"`
	Connectors        []string `json:"connectors"`
	Connections       int      `json:"connections"`
	Sessions          int      `json:"sessions"`
	InFlight          int      `json:"in_flight"`
	Queues            []string `json:"queues"`
	TotalEnqueueCount uint64   `json:"total_enqueue_count"`
	TotalDequeueCount uint64   `json:"total_dequeue_count"`
	TotalDepth        int      `json:"total_depth"`
}

// QueryResult holds whichever view an object name resolved to.
type QueryResult struct {
	Broker *BrokerView `json:"broker,omitempty"`
	Queue  *QueueView  `json:"queue,omitempty"`
}

// Service answers management queries against one broker.
type Service struct {
	broker Inspector
}

// NewService creates a management service for broker.
func NewService(broker Inspector) *Service {
	return &Service{broker: broker}
}

// QueueStats returns the statistics of the named queue.
func (s *Service) QueueStats(name string) (*QueueView, error) {
	stats, err := s.broker.QueueStats(name)
	if err != nil {
		return nil, err
	}
	return &QueueView{
		ObjectName: QueueObjectName(s.broker.BrokerName(), name).String(),
		QueueStats: stats,
	}, nil
}

// Queues returns the statistics of every known queue, sorted by name.
func (s *Service) Queues() ([]*QueueView, error) {
	names := s.broker.Queues()
	views := make([]*QueueView, 0, len(names))
	for _, name := range names {
		v, err := s.QueueStats(name)
		if err != nil {
			return nil, err
		}
		views = append(views, v)
	}
	return views, nil
}

// BrokerStats summarizes the broker and totals its queues.
func (s *Service) BrokerStats() (*BrokerView, error) {
	name := s.broker.BrokerName()
	view := &BrokerView{
		ObjectName:  BrokerObjectName(name).String(),
		BrokerName:  name,
		Status:      s.broker.Status(),
		Persistent:  s.broker.Persistent(),
		Connectors:  s.broker.ConnectorURIs(),
		Connections: s.broker.Connections(),
		Sessions:    s.broker.Sessions(),
		InFlight:    s.broker.InFlight(),
		Queues:      s.broker.Queues(),
	}
	for _, q := range view.Queues {
		stats, err := s.broker.QueueStats(q)
		if err != nil {
			return nil, err
		}
		view.TotalEnqueueCount += stats.EnqueueCount
		view.TotalDequeueCount += stats.DequeueCount
		view.TotalDepth += stats.Depth
	}
	return view, nil
}

// Query resolves an object name string to a broker or queue view.
func (s *Service) Query(objectName string) (*QueryResult, error) {
	n, err := ParseObjectName(objectName)
	if err != nil {
		return nil, err
	}
	if n.BrokerName != s.broker.BrokerName() {
		return nil, fmt.Errorf("%w: no broker named %q", qerr.ErrUnknownDestination, n.BrokerName)
	}

	if n.IsQueue() {
		q, err := s.QueueStats(n.DestinationName)
		if err != nil {
			return nil, err
		}
		return &QueryResult{Queue: q}, nil
	}

	b, err := s.BrokerStats()
	if err != nil {
		return nil, err
	}
	return &QueryResult{Broker: b}, nil
}

// AddConnector adds a transport connector to the broker and returns the
// updated broker view.
func (s *Service) AddConnector(uri string) (*BrokerView, error) {
	if uri == "" {
		return nil, fmt.Errorf("%w: connector uri is required", qerr.ErrInvalidArgument)
	}
	if err := s.broker.AddConnector(uri); err != nil {
		return nil, err
	}
	return s.BrokerStats()
}
