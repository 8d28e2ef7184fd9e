// Package mongo hosts the MongoDB-backed task store, marketplace catalog, and
// audit sink used in production deployments.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/veplatform/control-plane/audit"
	"github.com/veplatform/control-plane/store"
)

const (
	tasksCollection   = "tasks"
	plansCollection   = "task_plans"
	commentsColl      = "task_comments"
	hiredCollection   = "customer_ves"
	catalogCollection = "marketplace_agents"
	auditCollection   = "security_audit_log"

	defaultOpTimeout = 5 * time.Second
)

// Options configures the Mongo store.
type Options struct {
	// Client is the connected Mongo client. Required.
	Client *mongodriver.Client
	// Database is the database name. Required.
	Database string
	// Timeout bounds individual operations. Defaults to five seconds.
	Timeout time.Duration
}

// Store implements store.TaskStore, store.Catalog, and audit.Sink on MongoDB.
type Store struct {
	client   *mongodriver.Client
	tasks    *mongodriver.Collection
	plans    *mongodriver.Collection
	comments *mongodriver.Collection
	hired    *mongodriver.Collection
	catalog  *mongodriver.Collection
	auditLog *mongodriver.Collection
	timeout  time.Duration
}

var (
	_ store.TaskStore = (*Store)(nil)
	_ store.Catalog   = (*Store)(nil)
	_ audit.Sink      = (*Store)(nil)
)

// New returns a Store backed by MongoDB and ensures the tenant-scoped indexes
// exist.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	db := opts.Client.Database(opts.Database)
	s := &Store{
		client:   opts.Client,
		tasks:    db.Collection(tasksCollection),
		plans:    db.Collection(plansCollection),
		comments: db.Collection(commentsColl),
		hired:    db.Collection(hiredCollection),
		catalog:  db.Collection(catalogCollection),
		auditLog: db.Collection(auditCollection),
		timeout:  timeout,
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("ensure indexes: %w", err)
	}
	return s, nil
}

// Ping reports store connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	if _, err := s.tasks.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{{Key: "customer_id", Value: 1}, {Key: "status", Value: 1}},
	}); err != nil {
		return err
	}
	if _, err := s.comments.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{{Key: "task_id", Value: 1}, {Key: "created_at", Value: 1}},
	}); err != nil {
		return err
	}
	if _, err := s.hired.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{{Key: "customer_id", Value: 1}, {Key: "agent_type", Value: 1}},
	}); err != nil {
		return err
	}
	_, err := s.plans.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{{Key: "task_id", Value: 1}},
	})
	return err
}

func (s *Store) op(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// InsertTask stores a new task.
func (s *Store) InsertTask(ctx context.Context, t store.Task) error {
	if t.ID == "" {
		return errors.New("task id is required")
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = now
	}
	ctx, cancel := s.op(ctx)
	defer cancel()
	if _, err := s.tasks.InsertOne(ctx, t); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return fmt.Errorf("task %s already exists", t.ID)
		}
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask returns the task by id.
func (s *Store) GetTask(ctx context.Context, id string) (store.Task, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	var t store.Task
	err := s.tasks.FindOne(ctx, bson.M{"_id": id}).Decode(&t)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return store.Task{}, store.ErrNotFound
	}
	if err != nil {
		return store.Task{}, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// UpdateTask applies a partial update and returns the updated document.
// Status writes against a task already in a terminal state are dropped so
// terminal transitions stay one-way.
func (s *Store) UpdateTask(ctx context.Context, id string, upd store.TaskUpdate) (store.Task, error) {
	now := time.Now().UTC()
	set := bson.M{"updated_at": now}
	if upd.Phase != nil {
		set["phase"] = *upd.Phase
	}
	if upd.AssignedTo != nil {
		set["assigned_to"] = *upd.AssignedTo
	}
	for k, v := range upd.Metadata {
		set["metadata."+k] = v
	}

	ctx, cancel := s.op(ctx)
	defer cancel()

	if _, err := s.tasks.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set}); err != nil {
		return store.Task{}, fmt.Errorf("update task: %w", err)
	}

	if upd.Status != nil {
		statusSet := bson.M{"status": *upd.Status, "updated_at": now}
		if *upd.Status == store.TaskCompleted {
			statusSet["completed_at"] = now
		}
		filter := bson.M{
			"_id":    id,
			"status": bson.M{"$nin": []store.TaskStatus{store.TaskCompleted, store.TaskFailed, store.TaskCancelled}},
		}
		if _, err := s.tasks.UpdateOne(ctx, filter, bson.M{"$set": statusSet}); err != nil {
			return store.Task{}, fmt.Errorf("update task status: %w", err)
		}
	}

	var t store.Task
	err := s.tasks.FindOne(ctx, bson.M{"_id": id}).Decode(&t)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return store.Task{}, store.ErrNotFound
	}
	if err != nil {
		return store.Task{}, fmt.Errorf("reload task: %w", err)
	}
	return t, nil
}

// AppendComment appends a comment record.
func (s *Store) AppendComment(ctx context.Context, c store.Comment) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	ctx, cancel := s.op(ctx)
	defer cancel()
	if _, err := s.comments.InsertOne(ctx, c); err != nil {
		return fmt.Errorf("append comment: %w", err)
	}
	return nil
}

// ListComments returns the task's comments in creation order.
func (s *Store) ListComments(ctx context.Context, taskID string) ([]store.Comment, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	cur, err := s.comments.Find(ctx, bson.M{"task_id": taskID}, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	var out []store.Comment
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode comments: %w", err)
	}
	return out, nil
}

// InsertPlan stores a plan draft.
func (s *Store) InsertPlan(ctx context.Context, p store.Plan) (store.Plan, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = store.PlanDraft
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	ctx, cancel := s.op(ctx)
	defer cancel()
	if _, err := s.plans.InsertOne(ctx, p); err != nil {
		return store.Plan{}, fmt.Errorf("insert plan: %w", err)
	}
	return p, nil
}

// GetPlan returns the plan by id.
func (s *Store) GetPlan(ctx context.Context, id string) (store.Plan, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	var p store.Plan
	err := s.plans.FindOne(ctx, bson.M{"_id": id}).Decode(&p)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return store.Plan{}, store.ErrNotFound
	}
	if err != nil {
		return store.Plan{}, fmt.Errorf("get plan: %w", err)
	}
	return p, nil
}

// SetPlanStatus transitions the plan lifecycle.
func (s *Store) SetPlanStatus(ctx context.Context, id string, status store.PlanStatus) error {
	ctx, cancel := s.op(ctx)
	defer cancel()
	res, err := s.plans.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"status": status}})
	if err != nil {
		return fmt.Errorf("set plan status: %w", err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ListHiredAgents returns the tenant's hired agents, managers first.
func (s *Store) ListHiredAgents(ctx context.Context, customerID string) ([]store.HiredAgent, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	cur, err := s.hired.Find(ctx, bson.M{"customer_id": customerID})
	if err != nil {
		return nil, fmt.Errorf("list hired agents: %w", err)
	}
	var out []store.HiredAgent
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode hired agents: %w", err)
	}
	sortHired(out)
	return out, nil
}

// InsertHiredAgent records a hire.
func (s *Store) InsertHiredAgent(ctx context.Context, a store.HiredAgent) error {
	if a.ID == "" {
		return errors.New("hired agent id is required")
	}
	if a.HiredAt.IsZero() {
		a.HiredAt = time.Now().UTC()
	}
	ctx, cancel := s.op(ctx)
	defer cancel()
	if _, err := s.hired.InsertOne(ctx, a); err != nil {
		return fmt.Errorf("insert hired agent: %w", err)
	}
	return nil
}

// DeleteHiredAgent removes a hire within the tenant scope.
func (s *Store) DeleteHiredAgent(ctx context.Context, customerID, id string) (store.HiredAgent, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	var a store.HiredAgent
	err := s.hired.FindOneAndDelete(ctx, bson.M{"_id": id, "customer_id": customerID}).Decode(&a)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return store.HiredAgent{}, store.ErrNotFound
	}
	if err != nil {
		return store.HiredAgent{}, fmt.Errorf("delete hired agent: %w", err)
	}
	return a, nil
}

// GetAgent returns a marketplace catalog entry.
func (s *Store) GetAgent(ctx context.Context, agentType string) (store.MarketplaceAgent, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	var a store.MarketplaceAgent
	err := s.catalog.FindOne(ctx, bson.M{"_id": agentType}).Decode(&a)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return store.MarketplaceAgent{}, store.ErrNotFound
	}
	if err != nil {
		return store.MarketplaceAgent{}, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

// ListAgents returns the marketplace catalog.
func (s *Store) ListAgents(ctx context.Context) ([]store.MarketplaceAgent, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	cur, err := s.catalog.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	var out []store.MarketplaceAgent
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode agents: %w", err)
	}
	return out, nil
}

// Append implements audit.Sink: audit events are insert-only documents.
func (s *Store) Append(ctx context.Context, ev audit.Event) error {
	ctx, cancel := s.op(ctx)
	defer cancel()
	if _, err := s.auditLog.InsertOne(ctx, ev); err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

func sortHired(agents []store.HiredAgent) {
	sort.Slice(agents, func(i, j int) bool {
		ri, rj := store.SeniorityRank(agents[i].Seniority), store.SeniorityRank(agents[j].Seniority)
		if ri != rj {
			return ri < rj
		}
		return agents[i].PersonaName < agents[j].PersonaName
	})
}
