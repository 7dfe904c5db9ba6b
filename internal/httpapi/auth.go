package httpapi

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"
)

const (
	contextKeySubject = "auth_subject"
	bearerPrefix      = "Bearer "
)

// authMiddleware accepts HS256 service tokens issued by issuer and stores the subject on the context.
func authMiddleware(signingKey []byte, issuer string) gin.HandlerFunc {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	keyFunc := func(token *jwt.Token) (any, error) {
		return signingKey, nil
	}
	return func(ctx *gin.Context) {
		header := ctx.GetHeader("Authorization")
		if !strings.HasPrefix(header, bearerPrefix) {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing bearer token"))
			return
		}
		claims := &jwt.RegisteredClaims{}
		if _, err := parser.ParseWithClaims(strings.TrimPrefix(header, bearerPrefix), claims, keyFunc); err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid token"))
			return
		}
		if strings.TrimSpace(claims.Subject) == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "token has no subject"))
			return
		}
		ctx.Set(contextKeySubject, claims.Subject)
		ctx.Next()
	}
}

const (
	subjectIdleTTL    = 10 * time.Minute
	subjectMaxIdleTTL = 24 * time.Hour
)

type subjectBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// subjectLimiter keeps one token bucket per authenticated caller. Buckets idle for idleTTL are
// dropped on the next sweep; idleTTL is at least the time a bucket needs to refill.
type subjectLimiter struct {
	mutex     sync.Mutex
	buckets   map[string]*subjectBucket
	limit     rate.Limit
	burst     int
	idleTTL   time.Duration
	lastSweep time.Time
	now       func() time.Time
}

func newSubjectLimiter(perSecond float64, burst int) *subjectLimiter {
	idleTTL := subjectIdleTTL
	if perSecond > 0 {
		refill := float64(burst) / perSecond * float64(time.Second)
		if refill > float64(subjectMaxIdleTTL) {
			idleTTL = subjectMaxIdleTTL
		} else if time.Duration(refill) > idleTTL {
			idleTTL = time.Duration(refill)
		}
	}
	return &subjectLimiter{
		buckets: make(map[string]*subjectBucket),
		limit:   rate.Limit(perSecond),
		burst:   burst,
		idleTTL: idleTTL,
		now:     time.Now,
	}
}

func (limiter *subjectLimiter) allow(subject string) bool {
	now := limiter.now()
	limiter.mutex.Lock()
	if now.Sub(limiter.lastSweep) >= limiter.idleTTL {
		limiter.sweep(now)
	}
	bucket, ok := limiter.buckets[subject]
	if !ok {
		bucket = &subjectBucket{limiter: rate.NewLimiter(limiter.limit, limiter.burst)}
		limiter.buckets[subject] = bucket
	}
	bucket.lastSeen = now
	limiter.mutex.Unlock()
	return bucket.limiter.AllowN(now, 1)
}

// sweep requires limiter.mutex.
func (limiter *subjectLimiter) sweep(now time.Time) {
	for subject, bucket := range limiter.buckets {
		if now.Sub(bucket.lastSeen) >= limiter.idleTTL {
			delete(limiter.buckets, subject)
		}
	}
	limiter.lastSweep = now
}

func (limiter *subjectLimiter) middleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if !limiter.allow(ctx.GetString(contextKeySubject)) {
			ctx.AbortWithStatusJSON(http.StatusTooManyRequests, errorResponse("rate_limited", "too many requests"))
			return
		}
		ctx.Next()
	}
}
