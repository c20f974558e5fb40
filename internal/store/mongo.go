package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/i474232898/agroweather/internal/weather"
)

// Collection names.
const (
	colPoints      = "points"
	colPredictions = "predictions"
	colWeatherData = "weather_data"
	colFlyStatus   = "fly_status"
	colSpray       = "spray_forecast"
	colUAVModels   = "uav_models"
	colLocations   = "cached_locations"
	colDaily       = "daily_history"
	colHourly      = "hourly_history"
	colForecasts   = "forecasts"
)

// MongoStore implements weather.Store on MongoDB. Coordinates are matched
// through a normalized key field; radius queries use 2dsphere indexes.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
	logger *zap.Logger
}

var _ weather.Store = (*MongoStore)(nil)

// NewMongoStore connects, pings and ensures indexes.
func NewMongoStore(ctx context.Context, uri, database string, logger *zap.Logger) (*MongoStore, error) {
	opts := options.Client().
		ApplyURI(uri).
		SetBSONOptions(&options.BSONOptions{DefaultDocumentM: true})

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	s := &MongoStore{client: client, db: client.Database(database), logger: logger}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

// Close disconnects the client.
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) c(name string) *mongo.Collection {
	return s.db.Collection(name)
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	unique := options.Index().SetUnique(true)
	indexes := map[string][]mongo.IndexModel{
		colPoints:      {{Keys: bson.D{{Key: "key", Value: 1}}, Options: unique}},
		colPredictions: {{Keys: bson.D{{Key: "point_id", Value: 1}, {Key: "created_at", Value: -1}}}},
		colWeatherData: {{Keys: bson.D{{Key: "point_id", Value: 1}, {Key: "created_at", Value: -1}}}},
		colFlyStatus: {
			{Keys: bson.D{{Key: "key", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "location_key", Value: 1}, {Key: "timestamp", Value: 1}}},
		},
		colSpray: {
			{Keys: bson.D{{Key: "key", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "location_key", Value: 1}, {Key: "timestamp", Value: 1}}},
		},
		colLocations: {
			{Keys: bson.D{{Key: "key", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "location", Value: "2dsphere"}}},
		},
		colDaily:     {{Keys: bson.D{{Key: "location_id", Value: 1}}}, {Keys: bson.D{{Key: "location", Value: "2dsphere"}}}},
		colHourly:    {{Keys: bson.D{{Key: "location_id", Value: 1}, {Key: "date", Value: 1}}}, {Keys: bson.D{{Key: "location", Value: "2dsphere"}}}},
		colForecasts: {{Keys: bson.D{{Key: "location", Value: "2dsphere"}}}, {Keys: bson.D{{Key: "created_at", Value: -1}}}},
	}
	for col, models := range indexes {
		if _, err := s.c(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("create indexes on %s: %w", col, err)
		}
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return weather.ErrNotFound
	}
	return err
}

func nearSphere(lat, lon, radiusMeters float64) bson.M {
	return bson.M{"$nearSphere": bson.M{
		"$geometry":    bson.M{"type": "Point", "coordinates": bson.A{lon, lat}},
		"$maxDistance": radiusMeters,
	}}
}

type pointDoc struct {
	weather.Point `bson:",inline"`
	Key           string `bson:"key"`
}

func (s *MongoStore) FindPoint(ctx context.Context, lat, lon float64) (weather.Point, error) {
	var doc pointDoc
	err := s.c(colPoints).FindOne(ctx, bson.M{"key": weather.CoordinateKey(lat, lon)}).Decode(&doc)
	if err != nil {
		return weather.Point{}, notFound(err)
	}
	return doc.Point, nil
}

func (s *MongoStore) InsertPointIfAbsent(ctx context.Context, p weather.Point) (weather.Point, error) {
	key := p.Location.Key()
	_, err := s.c(colPoints).UpdateOne(ctx,
		bson.M{"key": key},
		bson.M{"$setOnInsert": bson.M{
			"_id":        p.ID,
			"title":      p.Title,
			"location":   p.Location,
			"created_at": p.CreatedAt,
		}},
		options.Update().SetUpsert(true),
	)
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return weather.Point{}, fmt.Errorf("upsert point: %w", err)
	}
	return s.FindPoint(ctx, p.Location.Lat(), p.Location.Lon())
}

func (s *MongoStore) InsertPredictions(ctx context.Context, preds []weather.Prediction) error {
	if len(preds) == 0 {
		return nil
	}
	docs := make([]interface{}, len(preds))
	for i, p := range preds {
		docs[i] = p
	}
	_, err := s.c(colPredictions).InsertMany(ctx, docs)
	return err
}

func (s *MongoStore) FindPredictions(ctx context.Context, pointID string, createdAfter time.Time) ([]weather.Prediction, error) {
	cur, err := s.c(colPredictions).Find(ctx,
		bson.M{"point_id": pointID, "created_at": bson.M{"$gt": createdAfter}},
		options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}}),
	)
	if err != nil {
		return nil, err
	}
	var out []weather.Prediction
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MongoStore) InsertWeatherData(ctx context.Context, wd weather.WeatherData) error {
	_, err := s.c(colWeatherData).InsertOne(ctx, wd)
	return err
}

func (s *MongoStore) LatestWeatherData(ctx context.Context, pointID string, createdAfter time.Time) (weather.WeatherData, error) {
	var wd weather.WeatherData
	err := s.c(colWeatherData).FindOne(ctx,
		bson.M{"point_id": pointID, "created_at": bson.M{"$gt": createdAfter}},
		options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}}),
	).Decode(&wd)
	if err != nil {
		return weather.WeatherData{}, notFound(err)
	}
	return wd, nil
}

func (s *MongoStore) InsertForecastDoc(ctx context.Context, doc weather.ForecastDoc) error {
	_, err := s.c(colForecasts).InsertOne(ctx, doc)
	return err
}

func (s *MongoStore) NearestForecastDoc(ctx context.Context, lat, lon, radiusMeters float64, createdAfter time.Time) (weather.ForecastDoc, error) {
	var doc weather.ForecastDoc
	err := s.c(colForecasts).FindOne(ctx, bson.M{
		"location":   nearSphere(lat, lon, radiusMeters),
		"created_at": bson.M{"$gt": createdAfter},
	}).Decode(&doc)
	if err != nil {
		return weather.ForecastDoc{}, notFound(err)
	}
	return doc, nil
}

func (s *MongoStore) UpsertFlyStatuses(ctx context.Context, statuses []weather.FlyStatus) error {
	if len(statuses) == 0 {
		return nil
	}
	models := make([]mongo.WriteModel, 0, len(statuses))
	for _, st := range statuses {
		locKey := st.Location.Key()
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"key": st.UAVModel + "|" + locKey + "|" + slotKey(st.Timestamp)}).
			SetUpdate(bson.M{
				"$set": bson.M{
					"uav_model":      st.UAVModel,
					"location":       st.Location,
					"location_key":   locKey,
					"timestamp":      st.Timestamp,
					"status":         st.Status,
					"weather_params": st.WeatherParams,
					"source":         st.Source,
					"created_at":     st.CreatedAt,
				},
				"$setOnInsert": bson.M{"_id": st.ID},
			}).
			SetUpsert(true))
	}
	_, err := s.c(colFlyStatus).BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	return err
}

func (s *MongoStore) FindFlyStatuses(ctx context.Context, loc weather.GeoPoint, models []string, after time.Time) ([]weather.FlyStatus, error) {
	filter := bson.M{"location_key": loc.Key(), "timestamp": bson.M{"$gt": after}}
	if len(models) > 0 {
		filter["uav_model"] = bson.M{"$in": models}
	}
	cur, err := s.c(colFlyStatus).Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "uav_model", Value: 1}, {Key: "timestamp", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var out []weather.FlyStatus
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MongoStore) UpsertSprayForecasts(ctx context.Context, forecasts []weather.SprayForecast) error {
	if len(forecasts) == 0 {
		return nil
	}
	models := make([]mongo.WriteModel, 0, len(forecasts))
	for _, f := range forecasts {
		locKey := f.Location.Key()
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"key": locKey + "|" + slotKey(f.Timestamp)}).
			SetUpdate(bson.M{
				"$set": bson.M{
					"location":         f.Location,
					"location_key":     locKey,
					"timestamp":        f.Timestamp,
					"source":           f.Source,
					"spray_conditions": f.SprayConditions,
					"detailed_status":  f.DetailedStatus,
					"created_at":       f.CreatedAt,
				},
				"$setOnInsert": bson.M{"_id": f.ID},
			}).
			SetUpsert(true))
	}
	_, err := s.c(colSpray).BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	return err
}

func (s *MongoStore) FindSprayForecasts(ctx context.Context, loc weather.GeoPoint, after time.Time) ([]weather.SprayForecast, error) {
	cur, err := s.c(colSpray).Find(ctx,
		bson.M{"location_key": loc.Key(), "timestamp": bson.M{"$gt": after}},
		options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var out []weather.SprayForecast
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MongoStore) InsertUAVModels(ctx context.Context, models []weather.UAVModel) error {
	if len(models) == 0 {
		return nil
	}
	docs := make([]interface{}, len(models))
	for i, m := range models {
		docs[i] = m
	}
	_, err := s.c(colUAVModels).InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return err
	}
	return nil
}

func (s *MongoStore) CountUAVModels(ctx context.Context) (int64, error) {
	return s.c(colUAVModels).CountDocuments(ctx, bson.M{})
}

func (s *MongoStore) ListUAVModels(ctx context.Context, names []string) ([]weather.UAVModel, error) {
	filter := bson.M{}
	if len(names) > 0 {
		filter["_id"] = bson.M{"$in": names}
	}
	cur, err := s.c(colUAVModels).Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var out []weather.UAVModel
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type locationDoc struct {
	weather.CachedLocation `bson:",inline"`
	Key                    string `bson:"key"`
}

func (s *MongoStore) InsertLocation(ctx context.Context, loc weather.CachedLocation) error {
	_, err := s.c(colLocations).InsertOne(ctx, locationDoc{CachedLocation: loc, Key: loc.Location.Key()})
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("location %s: %w", loc.Location.Key(), weather.ErrAlreadyExists)
	}
	return err
}

func (s *MongoStore) findLocation(ctx context.Context, filter bson.M) (weather.CachedLocation, error) {
	var doc locationDoc
	if err := s.c(colLocations).FindOne(ctx, filter).Decode(&doc); err != nil {
		return weather.CachedLocation{}, notFound(err)
	}
	return doc.CachedLocation, nil
}

func (s *MongoStore) GetLocation(ctx context.Context, id string) (weather.CachedLocation, error) {
	return s.findLocation(ctx, bson.M{"_id": id})
}

func (s *MongoStore) ListLocations(ctx context.Context) ([]weather.CachedLocation, error) {
	cur, err := s.c(colLocations).Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var docs []locationDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]weather.CachedLocation, len(docs))
	for i, d := range docs {
		out[i] = d.CachedLocation
	}
	return out, nil
}

func (s *MongoStore) FindLocationByCoordinates(ctx context.Context, lat, lon float64) (weather.CachedLocation, error) {
	return s.findLocation(ctx, bson.M{"key": weather.CoordinateKey(lat, lon)})
}

func (s *MongoStore) NearestLocation(ctx context.Context, lat, lon, radiusMeters float64) (weather.CachedLocation, error) {
	return s.findLocation(ctx, bson.M{"location": nearSphere(lat, lon, radiusMeters)})
}

func (s *MongoStore) DeleteLocation(ctx context.Context, id string) error {
	res, err := s.c(colLocations).DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return weather.ErrNotFound
	}
	return nil
}

func (s *MongoStore) InsertDailyHistory(ctx context.Context, doc weather.DailyHistory) error {
	_, err := s.c(colDaily).InsertOne(ctx, doc)
	return err
}

func (s *MongoStore) InsertHourlyHistory(ctx context.Context, docs []weather.HourlyHistory) error {
	if len(docs) == 0 {
		return nil
	}
	items := make([]interface{}, len(docs))
	for i, d := range docs {
		items[i] = d
	}
	_, err := s.c(colHourly).InsertMany(ctx, items)
	return err
}

// SlideDailyHistory runs as a single pipeline update so the pull, push and
// range advance land together.
func (s *MongoStore) SlideDailyHistory(ctx context.Context, locationID string, oldest time.Time, newest []weather.Observation, end, fetchedAt time.Time) error {
	drop := bson.A{oldest}
	for _, o := range newest {
		drop = append(drop, o.Timestamp)
	}
	pipeline := mongo.Pipeline{
		{{Key: "$set", Value: bson.D{
			{Key: "observations", Value: bson.M{"$concatArrays": bson.A{
				bson.M{"$filter": bson.M{
					"input": "$observations",
					"cond":  bson.M{"$not": bson.A{bson.M{"$in": bson.A{"$$this.timestamp", drop}}}},
				}},
				bson.M{"$literal": newest},
			}}},
			{Key: "date_range.end", Value: end},
			{Key: "fetched_at", Value: fetchedAt},
		}}},
	}
	res, err := s.c(colDaily).UpdateOne(ctx, bson.M{"location_id": locationID}, pipeline)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return weather.ErrNotFound
	}
	return nil
}

func (s *MongoStore) ReplaceHourlyDay(ctx context.Context, locationID string, oldest time.Time, doc weather.HourlyHistory) error {
	_, err := s.c(colHourly).DeleteMany(ctx, bson.M{
		"location_id": locationID,
		"date":        bson.M{"$in": bson.A{oldest, doc.Date}},
	})
	if err != nil {
		return fmt.Errorf("delete hourly day: %w", err)
	}
	if _, err := s.c(colHourly).InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert hourly day: %w", err)
	}
	return nil
}

func (s *MongoStore) DailyHistoryFor(ctx context.Context, locationID string) (weather.DailyHistory, error) {
	var doc weather.DailyHistory
	if err := s.c(colDaily).FindOne(ctx, bson.M{"location_id": locationID}).Decode(&doc); err != nil {
		return weather.DailyHistory{}, notFound(err)
	}
	return doc, nil
}

func (s *MongoStore) HourlyHistoryFor(ctx context.Context, locationID string, from, to time.Time) ([]weather.HourlyHistory, error) {
	cur, err := s.c(colHourly).Find(ctx,
		bson.M{"location_id": locationID, "date": bson.M{"$gte": from, "$lte": to}},
		options.Find().SetSort(bson.D{{Key: "date", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var out []weather.HourlyHistory
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MongoStore) DeleteHistory(ctx context.Context, locationID string) error {
	if _, err := s.c(colHourly).DeleteMany(ctx, bson.M{"location_id": locationID}); err != nil {
		return err
	}
	_, err := s.c(colDaily).DeleteMany(ctx, bson.M{"location_id": locationID})
	if err != nil {
		s.logger.Warn("delete daily history failed", zap.String("location_id", locationID), zap.Error(err))
	}
	return err
}
