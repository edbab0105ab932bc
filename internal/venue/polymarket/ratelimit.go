package polymarket

import "venueworker/internal/ratelimit"

// RateLimiter groups token buckets by Polymarket API endpoint category.
// Every trading operation waits on the matching bucket before making its
// HTTP request. Each capacity is a tenth of the 10-second allowance noted
// beside its bucket; the refill rates are 50, 30 and 15 tokens per second.
type RateLimiter struct {
	Order  *ratelimit.TokenBucket // POST /orders
	Cancel *ratelimit.TokenBucket // DELETE /orders, /cancel-all, /cancel-market-orders
	Book   *ratelimit.TokenBucket // GET /book
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Order:  ratelimit.NewTokenBucket(350, 50), // 3500 per 10s window
		Cancel: ratelimit.NewTokenBucket(300, 30), // 3000 per 10s window
		Book:   ratelimit.NewTokenBucket(150, 15), // 1500 per 10s window
	}
}
