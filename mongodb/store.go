package mongodb

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/globalsign/mgo"
	"github.com/globalsign/mgo/bson"

	"github.com/olivere/taskqueue"
)

const (
	// socketTimeout should be long enough that even a slow mongo server
	// will respond in that length of time. Since mongo servers ping themselves
	// every 10 seconds, we use a value just over 2 ping periods to allow
	// for delayed pings due to issues such as CPU starvation etc.
	socketTimeout = 21 * time.Second

	// dialTimeout should be representative of the upper bound of the
	// time taken to dial a mongo server from within the same cloud/private
	// network.
	dialTimeout = 30 * time.Second

	// defaultCollectionName is the name of the collection in MongoDB.
	// It can be overridden by SetCollectionName.
	defaultCollectionName = "taskqueue_jobs"
)

// Store represents a MongoDB-based storage backend.
// It implements the taskqueue.Store interface. Exclusive ownership of
// in-flight jobs relies on findAndModify, which atomically claims the
// picked document.
type Store struct {
	session        *mgo.Session
	db             *mgo.Database
	coll           *mgo.Collection
	collectionName string
	nowFn          func() time.Time
}

// StoreOption is an options provider for Store.
type StoreOption func(*Store)

// SetCollectionName overrides the default collection name.
func SetCollectionName(name string) StoreOption {
	return func(s *Store) {
		if name != "" {
			s.collectionName = name
		}
	}
}

// NewStore creates a new MongoDB-based storage backend.
func NewStore(mongodbURL string, options ...StoreOption) (*Store, error) {
	st := &Store{
		collectionName: defaultCollectionName,
		nowFn:          time.Now,
	}
	for _, opt := range options {
		opt(st)
	}

	uri, err := url.Parse(mongodbURL)
	if err != nil {
		return nil, err
	}
	if uri.Path == "" || uri.Path == "/" {
		return nil, errors.New("mongodb: database missing in URL")
	}
	dbname := uri.Path[1:]

	session, err := mgo.DialWithTimeout(mongodbURL, dialTimeout)
	if err != nil {
		return nil, err
	}
	session.SetSocketTimeout(socketTimeout)
	session.SetMode(mgo.Strong, true)

	st.session = session
	st.db = session.DB(dbname)
	st.coll = st.db.C(st.collectionName)

	err = st.coll.EnsureIndex(mgo.Index{
		Key:        []string{"state", "priority", "created"},
		Background: true,
	})
	if err != nil {
		return nil, err
	}
	err = st.coll.EnsureIndex(mgo.Index{
		Key:        []string{"state", "scheduled"},
		Background: true,
	})
	if err != nil {
		return nil, err
	}

	return st, nil
}

func wrapError(err error) error {
	if errors.Is(err, mgo.ErrNotFound) {
		return taskqueue.ErrNotFound
	}
	return err
}

// Start moves jobs left InFlight by a crashed worker of a previous run
// back to Pending so they become dequeuable again.
func (s *Store) Start(ctx context.Context) error {
	_, err := s.coll.UpdateAll(
		bson.M{"state": taskqueue.InFlight},
		bson.M{"$set": bson.M{"state": taskqueue.Pending}},
	)
	return wrapError(err)
}

// Enqueue adds a new job. Inserting a job whose ID already exists is a
// no-op success, which makes scheduler ticks idempotent.
func (s *Store) Enqueue(ctx context.Context, job *taskqueue.Job) error {
	err := s.coll.Insert(newJobDoc(job))
	if mgo.IsDup(err) {
		return nil
	}
	return wrapError(err)
}

// Dequeue atomically claims the next eligible job: highest priority
// first, FIFO within a priority.
func (s *Store) Dequeue(ctx context.Context) (*taskqueue.Job, error) {
	now := s.nowFn()
	change := mgo.Change{
		Update: bson.M{"$set": bson.M{
			"state":   taskqueue.InFlight,
			"started": now.UnixNano(),
		}},
		ReturnNew: true,
	}
	var doc jobDoc
	_, err := s.coll.
		Find(bson.M{
			"state":     taskqueue.Pending,
			"scheduled": bson.M{"$lte": now.UnixNano()},
		}).
		Sort("priority", "created").
		Apply(change, &doc)
	if err != nil {
		return nil, wrapError(err)
	}
	return doc.toJob(), nil
}

// Ack marks the job as Completed. The record is retained for Lookup.
func (s *Store) Ack(ctx context.Context, id string) error {
	err := s.coll.UpdateId(id, bson.M{"$set": bson.M{
		"state":     taskqueue.Completed,
		"completed": s.nowFn().UnixNano(),
	}})
	return wrapError(err)
}

// Requeue puts a failed job back into its priority partition.
func (s *Store) Requeue(ctx context.Context, job *taskqueue.Job) error {
	job.State = taskqueue.Pending
	err := s.coll.UpdateId(job.ID, bson.M{"$set": bson.M{
		"state":     job.State,
		"retry":     job.Retry,
		"scheduled": job.Scheduled,
		"lasterror": job.LastError,
	}})
	return wrapError(err)
}

// DeadLetter moves the job to the dead-letter partition. Terminal.
func (s *Store) DeadLetter(ctx context.Context, job *taskqueue.Job, reason string) error {
	job.State = taskqueue.DeadLetter
	job.LastError = reason
	job.Completed = s.nowFn().UnixNano()
	err := s.coll.UpdateId(job.ID, bson.M{"$set": bson.M{
		"state":     job.State,
		"lasterror": job.LastError,
		"completed": job.Completed,
	}})
	return wrapError(err)
}

// RequeueDeadLetter moves a dead-lettered job back into its priority
// partition with a fresh retry budget.
func (s *Store) RequeueDeadLetter(ctx context.Context, id string) error {
	err := s.coll.Update(
		bson.M{"_id": id, "state": taskqueue.DeadLetter},
		bson.M{"$set": bson.M{
			"state":     taskqueue.Pending,
			"retry":     0,
			"scheduled": s.nowFn().UnixNano(),
			"completed": 0,
		}},
	)
	return wrapError(err)
}

// Lookup retrieves a single job by its identifier.
func (s *Store) Lookup(ctx context.Context, id string) (*taskqueue.Job, error) {
	var doc jobDoc
	if err := s.coll.FindId(id).One(&doc); err != nil {
		return nil, wrapError(err)
	}
	return doc.toJob(), nil
}

// DeadLetters lists dead-lettered jobs, most recently failed first.
func (s *Store) DeadLetters(ctx context.Context, request *taskqueue.ListRequest) (*taskqueue.ListResponse, error) {
	filter := bson.M{"state": taskqueue.DeadLetter}
	if request.Type != "" {
		filter["type"] = request.Type
	}
	rsp := &taskqueue.ListResponse{}
	total, err := s.coll.Find(filter).Count()
	if err != nil {
		return nil, wrapError(err)
	}
	rsp.Total = total

	qry := s.coll.Find(filter).Sort("-completed")
	if request.Offset > 0 {
		qry = qry.Skip(request.Offset)
	}
	if request.Limit > 0 {
		qry = qry.Limit(request.Limit)
	}
	var docs []jobDoc
	if err := qry.All(&docs); err != nil {
		return nil, wrapError(err)
	}
	for _, doc := range docs {
		rsp.Jobs = append(rsp.Jobs, doc.toJob())
	}
	return rsp, nil
}

// Stats returns statistics about the jobs in the store.
func (s *Store) Stats(ctx context.Context) (*taskqueue.Stats, error) {
	stats := &taskqueue.Stats{
		Pending: make(map[string]int),
	}
	for _, prio := range taskqueue.Priorities {
		n, err := s.coll.Find(bson.M{
			"state":    taskqueue.Pending,
			"priority": int(prio),
		}).Count()
		if err != nil {
			return nil, wrapError(err)
		}
		stats.Pending[prio.String()] = n
	}
	var err error
	if stats.InFlight, err = s.coll.Find(bson.M{"state": taskqueue.InFlight}).Count(); err != nil {
		return nil, wrapError(err)
	}
	if stats.Completed, err = s.coll.Find(bson.M{"state": taskqueue.Completed}).Count(); err != nil {
		return nil, wrapError(err)
	}
	if stats.DeadLetters, err = s.coll.Find(bson.M{"state": taskqueue.DeadLetter}).Count(); err != nil {
		return nil, wrapError(err)
	}
	return stats, nil
}

// Close releases the underlying MongoDB session.
func (s *Store) Close() {
	s.session.Close()
}

// -- MongoDB-internal representation of a job --

type jobDoc struct {
	ID        string `bson:"_id"`
	Type      string `bson:"type"`
	State     string `bson:"state"`
	Payload   []byte `bson:"payload,omitempty"`
	Priority  int    `bson:"priority"`
	Retry     int    `bson:"retry"`
	MaxRetry  int    `bson:"maxretry"`
	Created   int64  `bson:"created"`
	Scheduled int64  `bson:"scheduled"`
	Started   int64  `bson:"started"`
	Completed int64  `bson:"completed"`
	LastError string `bson:"lasterror,omitempty"`
}

func newJobDoc(job *taskqueue.Job) *jobDoc {
	return &jobDoc{
		ID:        job.ID,
		Type:      job.Type,
		State:     job.State,
		Payload:   job.Payload,
		Priority:  int(job.Priority),
		Retry:     job.Retry,
		MaxRetry:  job.MaxRetry,
		Created:   job.Created,
		Scheduled: job.Scheduled,
		Started:   job.Started,
		Completed: job.Completed,
		LastError: job.LastError,
	}
}

func (d *jobDoc) toJob() *taskqueue.Job {
	return &taskqueue.Job{
		ID:        d.ID,
		Type:      d.Type,
		State:     d.State,
		Payload:   d.Payload,
		Priority:  taskqueue.Priority(d.Priority),
		Retry:     d.Retry,
		MaxRetry:  d.MaxRetry,
		Created:   d.Created,
		Scheduled: d.Scheduled,
		Started:   d.Started,
		Completed: d.Completed,
		LastError: d.LastError,
	}
}
