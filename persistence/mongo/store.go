package mongo

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/mohitkumar/dripflow/model"
	"github.com/mohitkumar/dripflow/persistence"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const opTimeout = 5 * time.Second

var _ persistence.Storage = new(Store)

type Store struct {
	client   *mongo.Client
	flows    *mongo.Collection
	contacts *mongo.Collection
}

// Connect dials uri and returns a client; the caller owns Disconnect.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	return client, nil
}

// NewStore uses the flows and contacts collections of dbName ("dripflow" if empty).
func NewStore(client *mongo.Client, dbName string) *Store {
	if dbName == "" {
		dbName = "dripflow"
	}
	collOpts := options.Collection().SetBSONOptions(&options.BSONOptions{DefaultDocumentM: true})
	db := client.Database(dbName)
	return &Store{
		client:   client,
		flows:    db.Collection("flows", collOpts),
		contacts: db.Collection("contacts", collOpts),
	}
}

func (s *Store) EnsureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	_, err := s.contacts.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "nextProcessingDate", Value: 1}}},
		{Keys: bson.D{{Key: "flow", Value: 1}, {Key: "email", Value: 1}}},
		{Keys: bson.D{{Key: "flow", Value: 1}, {Key: "status", Value: 1}}},
	})
	if err != nil {
		return err
	}
	_, err = s.flows.Indexes().CreateOne(ctx, mongo.IndexModel{Keys: bson.D{{Key: "owner", Value: 1}}})
	return err
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *Store) CreateFlow(ctx context.Context, flow *model.Flow) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	doc := *flow
	if doc.ErrorStats.ByStep == nil {
		doc.ErrorStats.ByStep = map[string]int64{}
	}
	if doc.ErrorStats.ByType == nil {
		doc.ErrorStats.ByType = map[string]int64{}
	}
	if doc.Steps == nil {
		doc.Steps = []model.Step{}
	}
	_, err := s.flows.InsertOne(ctx, doc)
	return err
}

func (s *Store) UpdateFlowDefinition(ctx context.Context, flow *model.Flow) error {
	steps := flow.Steps
	if steps == nil {
		steps = []model.Step{}
	}
	return s.updateFlow(ctx, flow.Id, bson.M{"$set": bson.M{
		"name":      flow.Name,
		"isActive":  flow.IsActive,
		"steps":     steps,
		"updatedAt": flow.UpdatedAt,
	}})
}

func (s *Store) SetFlowActive(ctx context.Context, flowId string, active bool) error {
	return s.updateFlow(ctx, flowId, bson.M{"$set": bson.M{"isActive": active, "updatedAt": time.Now().UTC()}})
}

func (s *Store) IncrementFlowStats(ctx context.Context, flowId string, delta model.FlowStatsDelta) error {
	inc := bson.M{}
	for field, v := range map[string]int64{
		"stats.triggered": delta.Triggered,
		"stats.completed": delta.Completed,
		"stats.active":    delta.Active,
		"stats.failed":    delta.Failed,
	} {
		if v != 0 {
			inc[field] = v
		}
	}
	if len(inc) == 0 {
		return nil
	}
	return s.updateFlow(ctx, flowId, bson.M{"$inc": inc})
}

func (s *Store) AppendFlowError(ctx context.Context, flowId string, rec model.ErrorRecord) error {
	return s.updateFlow(ctx, flowId, bson.M{
		"$push": bson.M{"errors": rec},
		"$inc": bson.M{
			"errorStats.totalErrors":                              1,
			"errorStats.byStep." + model.ErrorStepKey(rec.StepId): 1,
			"errorStats.byType." + string(rec.ErrorType):          1,
		},
	})
}

func (s *Store) updateFlow(ctx context.Context, flowId string, update bson.M) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	res, err := s.flows.UpdateByID(ctx, flowId, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return persistence.ErrFlowNotFound
	}
	return nil
}

func (s *Store) GetFlow(ctx context.Context, flowId string) (*model.Flow, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	var flow model.Flow
	err := s.flows.FindOne(ctx, bson.M{"_id": flowId}).Decode(&flow)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, persistence.ErrFlowNotFound
		}
		return nil, err
	}
	return &flow, nil
}

func (s *Store) ListFlows(ctx context.Context, owner string) ([]*model.Flow, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*opTimeout)
	defer cancel()
	filter := bson.M{}
	if owner != "" {
		filter["owner"] = owner
	}
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}}).SetProjection(bson.M{"errors": 0})
	cur, err := s.flows.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	var flows []*model.Flow
	if err := cur.All(ctx, &flows); err != nil {
		return nil, err
	}
	return flows, nil
}

func (s *Store) DeleteFlow(ctx context.Context, flowId string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	res, err := s.flows.DeleteOne(ctx, bson.M{"_id": flowId})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return persistence.ErrFlowNotFound
	}
	return nil
}

func (s *Store) CreateContact(ctx context.Context, contact *model.Contact) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	doc := contact.Clone()
	if doc.Tags == nil {
		doc.Tags = []string{}
	}
	if doc.FlowPath == nil {
		doc.FlowPath = []model.FlowPathEntry{}
	}
	_, err := s.contacts.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return persistence.ErrDuplicateContact
	}
	return err
}

func (s *Store) GetContact(ctx context.Context, contactId string) (*model.Contact, error) {
	return s.findOneContact(ctx, bson.M{"_id": contactId})
}

func (s *Store) FindContact(ctx context.Context, flowId string, email string) (*model.Contact, error) {
	return s.findOneContact(ctx, bson.M{"flow": flowId, "email": emailPattern(email)})
}

func (s *Store) findOneContact(ctx context.Context, filter bson.M) (*model.Contact, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	var contact model.Contact
	err := s.contacts.FindOne(ctx, filter).Decode(&contact)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, persistence.ErrContactNotFound
		}
		return nil, err
	}
	return &contact, nil
}

func (s *Store) UpdateContact(ctx context.Context, contactId string, upd *model.ContactUpdate) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	first, pull := contactUpdateDocs(upd, time.Now().UTC())
	res, err := s.contacts.UpdateByID(ctx, contactId, first)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return persistence.ErrContactNotFound
	}
	if pull != nil {
		if _, err := s.contacts.UpdateByID(ctx, contactId, pull); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) UpdateContacts(ctx context.Context, filter model.ContactFilter, upd *model.ContactUpdate) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 6*opTimeout)
	defer cancel()
	bfilter := contactFilter(filter)
	first, pull := contactUpdateDocs(upd, time.Now().UTC())
	if pull != nil {
		// $pull cannot share an update with $addToSet on the same field, and
		// the filter may stop matching after the first write.
		ids, err := s.matchingIds(ctx, bfilter)
		if err != nil {
			return 0, err
		}
		bfilter = bson.M{"_id": bson.M{"$in": ids}}
	}
	res, err := s.contacts.UpdateMany(ctx, bfilter, first)
	if err != nil {
		return 0, err
	}
	if pull != nil {
		if _, err := s.contacts.UpdateMany(ctx, bfilter, pull); err != nil {
			return res.ModifiedCount, err
		}
	}
	return res.ModifiedCount, nil
}

func (s *Store) matchingIds(ctx context.Context, filter bson.M) ([]string, error) {
	cur, err := s.contacts.Find(ctx, filter, options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return nil, err
	}
	var docs []struct {
		Id string `bson:"_id"`
	}
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		ids = append(ids, d.Id)
	}
	return ids, nil
}

func (s *Store) FindDue(ctx context.Context, now time.Time, limit int) ([]*model.Contact, error) {
	filter := bson.M{
		"status":             string(model.CONTACT_ACTIVE),
		"nextProcessingDate": bson.M{"$lte": now.UTC()},
	}
	opts := options.Find().SetSort(bson.D{{Key: "nextProcessingDate", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	return s.findContacts(ctx, filter, opts)
}

func (s *Store) ListContacts(ctx context.Context, filter model.ContactFilter, limit int) ([]*model.Contact, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	return s.findContacts(ctx, contactFilter(filter), opts)
}

func (s *Store) findContacts(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]*model.Contact, error) {
	ctx, cancel := context.WithTimeout(ctx, 6*opTimeout)
	defer cancel()
	cur, err := s.contacts.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	var contacts []*model.Contact
	if err := cur.All(ctx, &contacts); err != nil {
		return nil, err
	}
	return contacts, nil
}

func (s *Store) CountContacts(ctx context.Context, filter model.ContactFilter) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return s.contacts.CountDocuments(ctx, contactFilter(filter))
}

func (s *Store) TryClaim(ctx context.Context, contactId string, owner string, ttl time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	now := time.Now().UTC()
	filter := bson.M{
		"_id": contactId,
		"$or": []bson.M{
			{"leaseOwner": bson.M{"$exists": false}},
			{"leaseOwner": ""},
			{"leaseExpiresAt": bson.M{"$lte": now}},
			{"leaseOwner": owner},
		},
	}
	update := bson.M{"$set": bson.M{"leaseOwner": owner, "leaseExpiresAt": now.Add(ttl)}}
	err := s.contacts.FindOneAndUpdate(ctx, filter, update).Err()
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return false, err
	}
	n, err := s.contacts.CountDocuments(ctx, bson.M{"_id": contactId})
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, persistence.ErrContactNotFound
	}
	return false, nil
}

func (s *Store) Release(ctx context.Context, contactId string, owner string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	_, err := s.contacts.UpdateOne(ctx,
		bson.M{"_id": contactId, "leaseOwner": owner},
		bson.M{"$unset": bson.M{"leaseOwner": "", "leaseExpiresAt": ""}},
	)
	return err
}

func emailPattern(email string) primitive.Regex {
	return primitive.Regex{Pattern: "^" + regexp.QuoteMeta(email) + "$", Options: "i"}
}

func contactFilter(f model.ContactFilter) bson.M {
	filter := bson.M{}
	if f.FlowId != "" {
		filter["flow"] = f.FlowId
	}
	if f.Status != "" {
		filter["status"] = string(f.Status)
	}
	if f.Email != "" {
		filter["email"] = emailPattern(f.Email)
	}
	if f.Owner != "" {
		filter["owner"] = f.Owner
	}
	if f.MissingCurrentStep != nil {
		if *f.MissingCurrentStep {
			filter["currentStepId"] = bson.M{"$in": bson.A{nil, ""}}
		} else {
			filter["currentStepId"] = bson.M{"$nin": bson.A{nil, ""}}
		}
	}
	return filter
}
