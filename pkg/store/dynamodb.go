package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dynamodbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/markus-lassfolk/vesseltrack/pkg/gps"
	"github.com/markus-lassfolk/vesseltrack/pkg/logx"
)

const (
	// maxBatchWrite is the BatchWriteItem request limit
	maxBatchWrite   = 25
	maxBatchRetries = 3
)

// DynamoDBAPI is the subset of *dynamodb.Client the store uses
type DynamoDBAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// locationItem is the stored form of a gps.Record
type locationItem struct {
	UserID    string    `dynamodbav:"user_id"`
	SortKey   string    `dynamodbav:"sort_key"`
	ID        string    `dynamodbav:"id"`
	Latitude  float64   `dynamodbav:"latitude"`
	Longitude float64   `dynamodbav:"longitude"`
	Accuracy  *float64  `dynamodbav:"accuracy,omitempty"`
	Heading   *float64  `dynamodbav:"heading,omitempty"`
	Speed     *float64  `dynamodbav:"speed,omitempty"`
	Zone      *string   `dynamodbav:"zone,omitempty"`
	Source    string    `dynamodbav:"source,omitempty"`
	Timestamp time.Time `dynamodbav:"timestamp"`
}

func newLocationItem(rec gps.Record) locationItem {
	return locationItem{
		UserID:    rec.UserID,
		SortKey:   sortKey(rec),
		ID:        rec.ID,
		Latitude:  rec.Latitude,
		Longitude: rec.Longitude,
		Accuracy:  rec.Accuracy,
		Heading:   rec.Heading,
		Speed:     rec.Speed,
		Zone:      rec.Zone,
		Source:    rec.Source,
		Timestamp: rec.Timestamp.UTC(),
	}
}

func (it locationItem) record() gps.Record {
	return gps.Record{
		ID:     it.ID,
		UserID: it.UserID,
		Zone:   it.Zone,
		Sample: gps.Sample{
			Latitude:  it.Latitude,
			Longitude: it.Longitude,
			Accuracy:  it.Accuracy,
			Heading:   it.Heading,
			Speed:     it.Speed,
			Timestamp: it.Timestamp,
			Source:    it.Source,
		},
	}
}

type vesselLocationItem struct {
	VesselID   string    `dynamodbav:"vessel_id"`
	SortKey    string    `dynamodbav:"sort_key"`
	LocationID string    `dynamodbav:"location_id"`
	Latitude   float64   `dynamodbav:"latitude"`
	Longitude  float64   `dynamodbav:"longitude"`
	Zone       *string   `dynamodbav:"zone,omitempty"`
	Timestamp  time.Time `dynamodbav:"timestamp"`
}

type userVesselItem struct {
	UserID   string `dynamodbav:"user_id"`
	VesselID string `dynamodbav:"vessel_id"`
}

// DynamoDBStore is the cloud backend
type DynamoDBStore struct {
	client DynamoDBAPI
	tables DynamoDBConfig
	logger *logx.Logger
	sleep  func(time.Duration)
}

// OpenDynamoDB loads AWS credentials from the environment and creates the store
func OpenDynamoDB(ctx context.Context, cfg DynamoDBConfig, logger *logx.Logger) (*DynamoDBStore, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewDynamoDBStore(client, cfg, logger), nil
}

// NewDynamoDBStore wraps an existing client
func NewDynamoDBStore(client DynamoDBAPI, tables DynamoDBConfig, logger *logx.Logger) *DynamoDBStore {
	if logger == nil {
		logger = logx.Nop()
	}
	return &DynamoDBStore{client: client, tables: tables, logger: logger, sleep: time.Sleep}
}

// Close is a no-op; the SDK client holds no resources that need releasing
func (d *DynamoDBStore) Close() error {
	return nil
}

func (d *DynamoDBStore) InsertLocation(ctx context.Context, rec gps.Record) error {
	item, err := attributevalue.MarshalMap(newLocationItem(rec))
	if err != nil {
		return fmt.Errorf("failed to marshal location: %w", err)
	}
	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.tables.LocationsTable),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to save location to DynamoDB: %w", err)
	}
	return nil
}

// InsertLocations writes in chunks of 25, resubmitting unprocessed items a
// bounded number of times
func (d *DynamoDBStore) InsertLocations(ctx context.Context, recs []gps.Record) error {
	for start := 0; start < len(recs); start += maxBatchWrite {
		end := start + maxBatchWrite
		if end > len(recs) {
			end = len(recs)
		}

		requests := make([]dynamodbtypes.WriteRequest, 0, end-start)
		for _, rec := range recs[start:end] {
			item, err := attributevalue.MarshalMap(newLocationItem(rec))
			if err != nil {
				return fmt.Errorf("failed to marshal location %s: %w", rec.ID, err)
			}
			requests = append(requests, dynamodbtypes.WriteRequest{
				PutRequest: &dynamodbtypes.PutRequest{Item: item},
			})
		}
		if err := d.batchWrite(ctx, d.tables.LocationsTable, requests); err != nil {
			return err
		}
	}
	return nil
}

func (d *DynamoDBStore) batchWrite(ctx context.Context, table string, requests []dynamodbtypes.WriteRequest) error {
	pending := map[string][]dynamodbtypes.WriteRequest{table: requests}
	for attempt := 0; ; attempt++ {
		out, err := d.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
		if err != nil {
			return fmt.Errorf("failed to batch write locations: %w", err)
		}
		if len(out.UnprocessedItems[table]) == 0 {
			return nil
		}
		if attempt >= maxBatchRetries {
			return fmt.Errorf("batch write left %d unprocessed items", len(out.UnprocessedItems[table]))
		}
		d.logger.Debug("retrying unprocessed batch items", "count", len(out.UnprocessedItems[table]), "attempt", attempt+1)
		pending = out.UnprocessedItems
		d.sleep(time.Duration(attempt+1) * 100 * time.Millisecond)
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// UpdateVesselPosition sets the snapshot; a nil zone removes the attribute
func (d *DynamoDBStore) UpdateVesselPosition(ctx context.Context, pos gps.VesselPosition) error {
	updated, err := attributevalue.Marshal(time.Now().UTC())
	if err != nil {
		return err
	}
	values := map[string]dynamodbtypes.AttributeValue{
		":lat": &dynamodbtypes.AttributeValueMemberN{Value: formatFloat(pos.Latitude)},
		":lon": &dynamodbtypes.AttributeValueMemberN{Value: formatFloat(pos.Longitude)},
		":ts":  updated,
	}
	expr := "SET latitude = :lat, longitude = :lon, updated_at = :ts"
	if pos.Zone != nil {
		values[":zone"] = &dynamodbtypes.AttributeValueMemberS{Value: *pos.Zone}
		expr += ", #zone = :zone"
	} else {
		expr += " REMOVE #zone"
	}

	_, err = d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(d.tables.VesselsTable),
		Key: map[string]dynamodbtypes.AttributeValue{
			"vessel_id": &dynamodbtypes.AttributeValueMemberS{Value: pos.VesselID},
		},
		UpdateExpression:          aws.String(expr),
		ExpressionAttributeNames:  map[string]string{"#zone": "zone"},
		ExpressionAttributeValues: values,
	})
	if err != nil {
		return fmt.Errorf("failed to update vessel %s: %w", pos.VesselID, err)
	}
	return nil
}

func (d *DynamoDBStore) DefaultVesselID(ctx context.Context, userID string) (string, bool, error) {
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.tables.UserVesselsTable),
		Key: map[string]dynamodbtypes.AttributeValue{
			"user_id": &dynamodbtypes.AttributeValueMemberS{Value: userID},
		},
	})
	if err != nil {
		return "", false, fmt.Errorf("failed to get default vessel: %w", err)
	}
	if out.Item == nil {
		return "", false, nil
	}
	var item userVesselItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return "", false, fmt.Errorf("failed to unmarshal default vessel: %w", err)
	}
	return item.VesselID, item.VesselID != "", nil
}

func (d *DynamoDBStore) InsertVesselLocation(ctx context.Context, vesselID string, rec gps.Record) error {
	item, err := attributevalue.MarshalMap(vesselLocationItem{
		VesselID:   vesselID,
		SortKey:    sortKey(rec),
		LocationID: rec.ID,
		Latitude:   rec.Latitude,
		Longitude:  rec.Longitude,
		Zone:       rec.Zone,
		Timestamp:  rec.Timestamp.UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal vessel location: %w", err)
	}
	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.tables.VesselLocationsTable),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to save vessel location: %w", err)
	}
	return nil
}

// RegisterVessel creates or renames a vessel without touching its position
func (d *DynamoDBStore) RegisterVessel(ctx context.Context, v Vessel) error {
	if v.ID == "" {
		return errors.New("vessel id is required")
	}
	updated, err := attributevalue.Marshal(time.Now().UTC())
	if err != nil {
		return err
	}
	_, err = d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(d.tables.VesselsTable),
		Key: map[string]dynamodbtypes.AttributeValue{
			"vessel_id": &dynamodbtypes.AttributeValueMemberS{Value: v.ID},
		},
		UpdateExpression:         aws.String("SET #name = :name, owner_id = :owner, updated_at = if_not_exists(updated_at, :ts)"),
		ExpressionAttributeNames: map[string]string{"#name": "name"},
		ExpressionAttributeValues: map[string]dynamodbtypes.AttributeValue{
			":name":  &dynamodbtypes.AttributeValueMemberS{Value: v.Name},
			":owner": &dynamodbtypes.AttributeValueMemberS{Value: v.OwnerID},
			":ts":    updated,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to register vessel: %w", err)
	}
	return nil
}

func (d *DynamoDBStore) SetDefaultVessel(ctx context.Context, userID, vesselID string) error {
	if _, err := d.GetVessel(ctx, vesselID); err != nil {
		return err
	}
	item, err := attributevalue.MarshalMap(userVesselItem{UserID: userID, VesselID: vesselID})
	if err != nil {
		return err
	}
	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.tables.UserVesselsTable),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to set default vessel: %w", err)
	}
	return nil
}

func (d *DynamoDBStore) GetVessel(ctx context.Context, vesselID string) (Vessel, error) {
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.tables.VesselsTable),
		Key: map[string]dynamodbtypes.AttributeValue{
			"vessel_id": &dynamodbtypes.AttributeValueMemberS{Value: vesselID},
		},
	})
	if err != nil {
		return Vessel{}, fmt.Errorf("failed to get vessel: %w", err)
	}
	if out.Item == nil {
		return Vessel{}, fmt.Errorf("%w: %s", ErrVesselNotFound, vesselID)
	}
	var v Vessel
	if err := attributevalue.UnmarshalMap(out.Item, &v); err != nil {
		return Vessel{}, fmt.Errorf("failed to unmarshal vessel: %w", err)
	}
	return v, nil
}

// RecentLocations queries the user's partition newest first
func (d *DynamoDBStore) RecentLocations(ctx context.Context, userID string, limit int) ([]gps.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	out, err := d.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(d.tables.LocationsTable),
		KeyConditionExpression: aws.String("user_id = :uid"),
		ExpressionAttributeValues: map[string]dynamodbtypes.AttributeValue{
			":uid": &dynamodbtypes.AttributeValueMemberS{Value: userID},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query locations: %w", err)
	}

	recs := make([]gps.Record, 0, len(out.Items))
	for _, raw := range out.Items {
		var item locationItem
		if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
			d.logger.Warn("skipping malformed location item", "error", err)
			continue
		}
		recs = append(recs, item.record())
	}
	return recs, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
