package appointment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const pendingIndexKey = "appointments:pending"

// RedisTrackingRepository keeps the live tracking records in Redis: one hash
// per appointment, a set per insured id, a zset of pending ids scored by
// creation time, and a plain key per claimed slot.
type RedisTrackingRepository struct {
	client *redis.Client
}

func NewRedisTrackingRepository(client *redis.Client) *RedisTrackingRepository {
	return &RedisTrackingRepository{client: client}
}

func appointmentKey(id string) string {
	return fmt.Sprintf("appointment:%s", id)
}

func insuredKey(insuredID string) string {
	return fmt.Sprintf("insured:%s:appointments", insuredID)
}

func slotKey(scheduleID int64, country CountryISO) string {
	return fmt.Sprintf("slot:%s:%d", country, scheduleID)
}

// ClaimSlot is the atomic uniqueness check: SETNX either reserves the slot
// for this appointment or tells us someone else already holds it. There is
// no read-then-write window for two creates to slip through.
func (r *RedisTrackingRepository) ClaimSlot(ctx context.Context, scheduleID int64, country CountryISO, appointmentID string) error {
	ok, err := r.client.SetNX(ctx, slotKey(scheduleID, country), appointmentID, 0).Result()
	if err != nil {
		return fmt.Errorf("claim slot: %w", err)
	}
	if !ok {
		return ErrSlotTaken
	}
	return nil
}

var releaseSlotScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

// ReleaseSlot frees a claim only while appointmentID still owns it, so a
// late release cannot evict a newer claimant.
func (r *RedisTrackingRepository) ReleaseSlot(ctx context.Context, scheduleID int64, country CountryISO, appointmentID string) error {
	_, err := releaseSlotScript.Run(ctx, r.client, []string{slotKey(scheduleID, country)}, appointmentID).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release slot: %w", err)
	}
	return nil
}

func (r *RedisTrackingRepository) Save(ctx context.Context, appt Appointment) error {
	fields := map[string]any{
		"insured_id":  appt.InsuredID,
		"schedule_id": strconv.FormatInt(appt.ScheduleID, 10),
		"country_iso": string(appt.CountryISO),
		"status":      string(appt.Status),
		"created_at":  appt.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if appt.UpdatedAt != nil {
		fields["updated_at"] = appt.UpdatedAt.UTC().Format(time.RFC3339Nano)
	}

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, appointmentKey(appt.ID), fields)
		pipe.SAdd(ctx, insuredKey(appt.InsuredID), appt.ID)
		if appt.Status == StatusPending {
			pipe.ZAdd(ctx, pendingIndexKey, redis.Z{
				Score:  float64(appt.CreatedAt.Unix()),
				Member: appt.ID,
			})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save tracking record: %w", err)
	}
	return nil
}

func (r *RedisTrackingRepository) FindByID(ctx context.Context, id string) (*Appointment, error) {
	fields, err := r.client.HGetAll(ctx, appointmentKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("load tracking record: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrAppointmentNotFound
	}
	return parseRecord(id, fields)
}

func (r *RedisTrackingRepository) FindByInsuredID(ctx context.Context, insuredID string) ([]Appointment, error) {
	ids, err := r.client.SMembers(ctx, insuredKey(insuredID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list appointments for insured: %w", err)
	}

	result := make([]Appointment, 0, len(ids))
	for _, id := range ids {
		appt, err := r.FindByID(ctx, id)
		if errors.Is(err, ErrAppointmentNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		result = append(result, *appt)
	}

	// Set members come back unordered.
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (r *RedisTrackingRepository) FindByScheduleID(ctx context.Context, scheduleID int64, country CountryISO) (*Appointment, error) {
	id, err := r.client.Get(ctx, slotKey(scheduleID, country)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrAppointmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup slot claim: %w", err)
	}

	appt, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if appt.Status == StatusFailed {
		return nil, ErrAppointmentNotFound
	}
	return appt, nil
}

var updateStatusScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
local cur = redis.call("HGET", KEYS[1], "status")
if cur == "completed" or cur == "failed" then
  return -1
end
redis.call("HSET", KEYS[1], "status", ARGV[1], "updated_at", ARGV[2])
if ARGV[1] ~= "pending" then
  redis.call("ZREM", KEYS[2], ARGV[3])
end
return 1
`)

// UpdateStatus moves a live record to a new status. Unlike a raw HSET it
// never conjures a record for an unknown id, and it refuses to transition
// out of a terminal status, so replaying a confirmation is a no-op.
func (r *RedisTrackingRepository) UpdateStatus(ctx context.Context, id string, status Status, updatedAt time.Time) error {
	res, err := updateStatusScript.Run(ctx, r.client,
		[]string{appointmentKey(id), pendingIndexKey},
		string(status), updatedAt.UTC().Format(time.RFC3339Nano), id,
	).Int()
	if err != nil {
		return fmt.Errorf("update tracking status: %w", err)
	}
	if res == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

func (r *RedisTrackingRepository) FindStalePending(ctx context.Context, cutoff time.Time) ([]Appointment, error) {
	ids, err := r.client.ZRangeByScore(ctx, pendingIndexKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("scan pending index: %w", err)
	}

	var result []Appointment
	for _, id := range ids {
		appt, err := r.FindByID(ctx, id)
		if errors.Is(err, ErrAppointmentNotFound) {
			// Index entry outlived its record; drop it.
			r.client.ZRem(ctx, pendingIndexKey, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if appt.Status != StatusPending {
			r.client.ZRem(ctx, pendingIndexKey, id)
			continue
		}
		result = append(result, *appt)
	}
	return result, nil
}

func parseRecord(id string, fields map[string]string) (*Appointment, error) {
	scheduleID, err := strconv.ParseInt(fields["schedule_id"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse schedule_id for %s: %w", id, err)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, fields["created_at"])
	if err != nil {
		return nil, fmt.Errorf("parse created_at for %s: %w", id, err)
	}

	appt := Appointment{
		ID:         id,
		InsuredID:  fields["insured_id"],
		ScheduleID: scheduleID,
		CountryISO: CountryISO(fields["country_iso"]),
		Status:     Status(fields["status"]),
		CreatedAt:  createdAt,
	}
	if raw, ok := fields["updated_at"]; ok && raw != "" {
		updatedAt, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("parse updated_at for %s: %w", id, err)
		}
		appt.UpdatedAt = &updatedAt
	}
	return &appt, nil
}
