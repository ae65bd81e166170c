package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

type Client struct {
	*redis.Client
}

func NewClient(redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Client{client}, nil
}

func (c *Client) Close() error {
	return c.Client.Close()
}

// RoomChannel carries change notices for rooms where userID is host or joiner.
func RoomChannel(userID string) string {
	return fmt.Sprintf("rooms:%s", userID)
}

// InviteChannel carries invite notification inserts addressed to userID.
func InviteChannel(userID string) string {
	return fmt.Sprintf("invites:%s", userID)
}

// RelayChannel is the per-room frame relay topic.
func RelayChannel(roomID string) string {
	return fmt.Sprintf("relay:%s", roomID)
}
