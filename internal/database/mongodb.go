// internal/database/mongodb.go
package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tradechat/internal/directory"
	"tradechat/internal/models"
	"tradechat/internal/utils"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoDB stores conversations and messages in a replica set. Multi-document
// transactions are required for message appends, so a standalone server will not work.
type MongoDB struct {
	Client        *mongo.Client
	Conversations *mongo.Collection
	Messages      *mongo.Collection
	Users         *mongo.Collection
	Jobs          *mongo.Collection
	Interests     *mongo.Collection
	logger        zerolog.Logger
}

func NewMongoDB(uri, database string, logger zerolog.Logger) (*MongoDB, error) {
	serverAPI := options.ServerAPI(options.ServerAPIVersion1)
	opts := options.Client().ApplyURI(uri).SetServerAPIOptions(serverAPI)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	// Ping the database to verify connection
	if err := client.Database("admin").RunCommand(ctx, bson.D{{Key: "ping", Value: 1}}).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	logger.Info().Str("database", database).Msg("connected to MongoDB")

	db := client.Database(database)
	return &MongoDB{
		Client:        client,
		Conversations: db.Collection("conversations"),
		Messages:      db.Collection("messages"),
		Users:         db.Collection("users"),
		Jobs:          db.Collection("jobs"),
		Interests:     db.Collection("interests"),
		logger:        logger,
	}, nil
}

func (m *MongoDB) Close(ctx context.Context) error {
	return m.Client.Disconnect(ctx)
}

// EnsureIndexes creates the unique and lookup indexes the store relies on.
func (m *MongoDB) EnsureIndexes(ctx context.Context) error {
	indexes := []struct {
		coll   *mongo.Collection
		models []mongo.IndexModel
	}{
		{m.Conversations, []mongo.IndexModel{
			{
				Keys:    bson.D{{Key: "jobId", Value: 1}, {Key: "tradespersonId", Value: 1}},
				Options: options.Index().SetUnique(true).SetName("job_tradesperson_unique"),
			},
			{Keys: bson.D{{Key: "homeownerId", Value: 1}, {Key: "activityAt", Value: -1}}},
			{Keys: bson.D{{Key: "tradespersonId", Value: 1}, {Key: "activityAt", Value: -1}}},
		}},
		{m.Messages, []mongo.IndexModel{
			{
				Keys:    bson.D{{Key: "conversationId", Value: 1}, {Key: "seq", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "conversationId", Value: 1}, {Key: "senderType", Value: 1}, {Key: "status", Value: 1}}},
		}},
		{m.Interests, []mongo.IndexModel{
			{
				Keys:    bson.D{{Key: "jobId", Value: 1}, {Key: "tradespersonId", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		}},
	}

	for _, idx := range indexes {
		if _, err := idx.coll.Indexes().CreateMany(ctx, idx.models); err != nil {
			return fmt.Errorf("failed to create indexes on %s: %w", idx.coll.Name(), err)
		}
	}
	return nil
}

// InTx runs fn inside a session transaction. The driver retries fn on transient
// transaction errors such as write conflicts on the conversation document.
func (m *MongoDB) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	session, err := m.Client.StartSession()
	if err != nil {
		return utils.NewAppError(utils.ErrDatabase, "failed to start session", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc, &mongoTx{db: m})
	})
	if err != nil {
		if _, ok := utils.AsAppError(err); ok {
			return err
		}
		return utils.NewAppError(utils.ErrDatabase, "transaction failed", err)
	}
	return nil
}

// --- Marketplace lookups ---

type jobDocument struct {
	ID          string `bson:"_id"`
	Title       string `bson:"title"`
	HomeownerID string `bson:"homeownerId"`
}

type userDocument struct {
	ID   string `bson:"_id"`
	Name string `bson:"name"`
	Role string `bson:"role"`
}

// GetInterest decodes the status field by hand so a record written by another service
// with a non-string status is reported as malformed rather than failing the lookup.
func (m *MongoDB) GetInterest(ctx context.Context, jobID, tradespersonID string) (*models.InterestRecord, error) {
	raw, err := m.Interests.FindOne(ctx, bson.M{"jobId": jobID, "tradespersonId": tradespersonID}).Raw()
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, utils.NewAppError(utils.ErrNotFound, "interest not found", err)
		}
		return nil, utils.NewAppError(utils.ErrDatabase, "failed to query interest", err)
	}

	record := &models.InterestRecord{JobID: jobID, TradespersonID: tradespersonID}
	status, ok := raw.Lookup("status").StringValueOK()
	if !ok {
		record.Malformed = true
		return record, nil
	}
	record.Status = models.InterestStatus(status)
	return record, nil
}

func (m *MongoDB) GetJobTitle(ctx context.Context, jobID string) (string, error) {
	job, err := m.getJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	return job.Title, nil
}

func (m *MongoDB) GetHomeownerOf(ctx context.Context, jobID string) (string, error) {
	job, err := m.getJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	return job.HomeownerID, nil
}

func (m *MongoDB) getJob(ctx context.Context, jobID string) (*jobDocument, error) {
	var doc jobDocument
	if err := m.Jobs.FindOne(ctx, bson.M{"_id": jobID}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, utils.NewAppError(utils.ErrJobNotFound, "job not found: "+jobID, err)
		}
		return nil, utils.NewAppError(utils.ErrDatabase, "failed to query job", err)
	}
	return &doc, nil
}

func (m *MongoDB) GetDisplayName(ctx context.Context, userID string) (string, error) {
	var doc userDocument
	if err := m.Users.FindOne(ctx, bson.M{"_id": userID}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return "", utils.NewAppError(utils.ErrNotFound, "user not found: "+userID, err)
		}
		return "", utils.NewAppError(utils.ErrDatabase, "failed to query user", err)
	}
	return doc.Name, nil
}

func (m *MongoDB) SeedUser(ctx context.Context, user directory.User) error {
	doc := userDocument{ID: user.ID, Name: user.Name, Role: string(user.Role)}
	_, err := m.Users.ReplaceOne(ctx, bson.M{"_id": user.ID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return utils.NewAppError(utils.ErrDatabase, "failed to seed user", err)
	}
	return nil
}

func (m *MongoDB) SeedJob(ctx context.Context, job directory.Job) error {
	doc := jobDocument{ID: job.ID, Title: job.Title, HomeownerID: job.HomeownerID}
	_, err := m.Jobs.ReplaceOne(ctx, bson.M{"_id": job.ID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return utils.NewAppError(utils.ErrDatabase, "failed to seed job", err)
	}
	return nil
}

func (m *MongoDB) SeedInterest(ctx context.Context, interest models.InterestRecord) error {
	var status interface{} = string(interest.Status)
	if interest.Malformed {
		status = nil
	}
	filter := bson.M{"jobId": interest.JobID, "tradespersonId": interest.TradespersonID}
	update := bson.M{"$set": bson.M{"status": status}}
	if _, err := m.Interests.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true)); err != nil {
		return utils.NewAppError(utils.ErrDatabase, "failed to seed interest", err)
	}
	return nil
}
