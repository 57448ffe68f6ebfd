package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/vladislavdragonenkov/pie/internal/domain"
)

// upsertAttempts ограничивает повторы при гонке вставки первой записи дня.
const upsertAttempts = 3

type dishDoc struct {
	Cost  string `bson:"cost"`
	Count int64  `bson:"count"`
}

type orderDoc struct {
	Info  map[string]dishDoc `bson:"info"`
	Price string             `bson:"price"`
}

type dayOrdersDoc struct {
	ID        string              `bson:"_id"`
	Date      time.Time           `bson:"date"`
	Orders    map[string]orderDoc `bson:"orders"`
	IsBlocked bool                `bson:"isBlocked"`
	CreatedAt time.Time           `bson:"createdAt"`
	UpdatedAt time.Time           `bson:"updatedAt"`
}

type dayOrdersRepository struct {
	coll *mongo.Collection
}

// NewDayOrderRepository создаёт MongoDB-реализацию DayOrderRepository.
func NewDayOrderRepository(store *Store) domain.DayOrderRepository {
	return &dayOrdersRepository{coll: store.Database().Collection(dayOrdersCollection)}
}

func (r *dayOrdersRepository) FindByDate(ctx context.Context, day time.Time) (domain.DayOrders, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var doc dayOrdersDoc
	if err := r.coll.FindOne(ctx, bson.M{"date": day.UTC()}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.DayOrders{}, domain.ErrNoOrders
		}
		return domain.DayOrders{}, fmt.Errorf("find day orders: %w", err)
	}

	record, err := doc.toDomain()
	if err != nil {
		return domain.DayOrders{}, err
	}
	record.Date = record.Date.In(day.Location())
	return record, nil
}

func (r *dayOrdersRepository) UpsertOrder(ctx context.Context, day time.Time, username string, order domain.Order) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	filter := bson.M{"date": day.UTC(), "isBlocked": bson.M{"$ne": true}}
	doc := orderToDoc(order)

	for attempt := 0; attempt < upsertAttempts; attempt++ {
		now := time.Now().UTC()
		update := bson.M{
			"$set": bson.M{
				"orders." + username: doc,
				"updatedAt":          now,
			},
			"$setOnInsert": bson.M{
				"_id":       uuid.NewString(),
				"isBlocked": false,
				"createdAt": now,
			},
		}

		_, err := r.coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
		if err == nil {
			return nil
		}
		if !mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("upsert day orders: %w", err)
		}

		// Запись дня уже есть, но не прошла фильтр: либо заблокирована,
		// либо её параллельно вставил другой запрос.
		res, err := r.coll.UpdateOne(ctx, filter, bson.M{"$set": update["$set"]})
		if err != nil {
			return fmt.Errorf("update day orders: %w", err)
		}
		if res.MatchedCount > 0 {
			return nil
		}

		blocked, err := r.coll.CountDocuments(ctx, bson.M{"date": day.UTC(), "isBlocked": true})
		if err != nil {
			return fmt.Errorf("check day orders block: %w", err)
		}
		if blocked > 0 {
			return domain.ErrDayOrdersBlocked
		}
	}

	return fmt.Errorf("upsert day orders: record for %s changed concurrently", day.UTC().Format(time.RFC3339))
}

func (r *dayOrdersRepository) RemoveOrder(ctx context.Context, id, username string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	field := "orders." + username
	var doc dayOrdersDoc
	err := r.coll.FindOneAndUpdate(ctx,
		bson.M{"_id": id, "isBlocked": bson.M{"$ne": true}, field: bson.M{"$exists": true}},
		bson.M{
			"$unset": bson.M{field: ""},
			"$set":   bson.M{"updatedAt": time.Now().UTC()},
		},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if err == nil {
		return len(doc.Orders) == 0, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return false, fmt.Errorf("remove user order: %w", err)
	}

	return false, r.diagnoseRemove(ctx, id, username)
}

// diagnoseRemove выясняет, почему условное удаление не нашло документ.
func (r *dayOrdersRepository) diagnoseRemove(ctx context.Context, id, username string) error {
	var doc dayOrdersDoc
	if err := r.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.ErrNoOrders
		}
		return fmt.Errorf("inspect day orders: %w", err)
	}
	if doc.IsBlocked {
		return domain.ErrDayOrdersBlocked
	}
	if _, ok := doc.Orders[username]; !ok {
		return domain.ErrNoUserOrder
	}
	return fmt.Errorf("remove user order: record %s changed concurrently", id)
}

func (r *dayOrdersRepository) DeleteIfEmpty(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := r.coll.DeleteOne(ctx, bson.M{"_id": id, "orders": bson.M{}}); err != nil {
		return fmt.Errorf("delete empty day orders: %w", err)
	}
	return nil
}

func (r *dayOrdersRepository) Block(ctx context.Context, day time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.coll.UpdateOne(ctx,
		bson.M{"date": day.UTC(), "isBlocked": bson.M{"$ne": true}},
		bson.M{"$set": bson.M{"isBlocked": true, "updatedAt": time.Now().UTC()}},
	)
	if err != nil {
		return fmt.Errorf("block day orders: %w", err)
	}
	if res.MatchedCount > 0 {
		return nil
	}

	count, err := r.coll.CountDocuments(ctx, bson.M{"date": day.UTC()})
	if err != nil {
		return fmt.Errorf("check day orders existence: %w", err)
	}
	if count == 0 {
		return domain.ErrNoOrders
	}
	return domain.ErrDayOrdersAlreadyBlocked
}

func orderToDoc(order domain.Order) orderDoc {
	doc := orderDoc{
		Info:  make(map[string]dishDoc, len(order.Info)),
		Price: order.Price.String(),
	}
	for name, dish := range order.Info {
		doc.Info[name] = dishDoc{Cost: dish.Cost.String(), Count: dish.Count}
	}
	return doc
}

func (d dayOrdersDoc) toDomain() (domain.DayOrders, error) {
	record := domain.DayOrders{
		ID:        d.ID,
		Date:      d.Date,
		Orders:    make(map[string]domain.Order, len(d.Orders)),
		IsBlocked: d.IsBlocked,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}

	for username, doc := range d.Orders {
		price, err := decimal.NewFromString(doc.Price)
		if err != nil {
			return domain.DayOrders{}, fmt.Errorf("decode price of %s: %w", username, err)
		}
		info := make(map[string]domain.Dish, len(doc.Info))
		for name, dish := range doc.Info {
			cost, err := decimal.NewFromString(dish.Cost)
			if err != nil {
				return domain.DayOrders{}, fmt.Errorf("decode cost of %s/%s: %w", username, name, err)
			}
			info[name] = domain.Dish{Cost: cost, Count: dish.Count}
		}
		record.Orders[username] = domain.Order{Info: info, Price: price}
	}

	return record, nil
}

var _ domain.DayOrderRepository = (*dayOrdersRepository)(nil)
