package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"o3chat/internal/auth"
	"o3chat/internal/config"
	"o3chat/internal/models"

	"gorm.io/gorm"
)

// Profile 是会话列表渲染需要的展示字段。
type Profile struct {
	ID     uint   `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
	Bio    string `json:"bio,omitempty"`
}

// ProfileSource 批量读取用户展示信息。缺失的 ID 不出现在结果中。
type ProfileSource interface {
	Profiles(ctx context.Context, ids []uint) (map[uint]Profile, error)
}

type cachedProfile struct {
	p  Profile
	at time.Time
}

const profileCacheMaxSize = 10000

// AccountService 是外部账号服务在本进程内的窄接口：资料查询（带弱缓存）与登录令牌。
type AccountService struct {
	db  *gorm.DB
	cfg config.Config

	mu    sync.Mutex
	cache map[uint]cachedProfile
	ttl   time.Duration
	now   func() time.Time
}

func NewAccountService(db *gorm.DB, cfg config.Config) *AccountService {
	return &AccountService{
		db:    db,
		cfg:   cfg,
		cache: make(map[uint]cachedProfile),
		ttl:   cfg.Account.ProfileCacheTTL,
		now:   time.Now,
	}
}

func toProfile(u models.User) Profile {
	name := u.DisplayName
	if name == "" {
		name = u.Username
	}
	return Profile{ID: u.ID, Name: name, Avatar: u.AvatarURL, Bio: u.Bio}
}

// Profiles 先查缓存，未命中的 ID 合并成一次查询。
func (s *AccountService) Profiles(ctx context.Context, ids []uint) (map[uint]Profile, error) {
	out := make(map[uint]Profile, len(ids))
	var missing []uint
	now := s.now()

	s.mu.Lock()
	for _, id := range ids {
		if _, dup := out[id]; dup {
			continue
		}
		if c, ok := s.cache[id]; ok && now.Sub(c.at) < s.ttl {
			out[id] = c.p
			continue
		}
		missing = append(missing, id)
	}
	s.mu.Unlock()

	if len(missing) == 0 {
		return out, nil
	}
	var users []models.User
	if err := s.db.WithContext(ctx).Select("id", "username", "display_name", "avatar_url", "bio").Where("id IN ?", missing).Find(&users).Error; err != nil {
		return out, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range users {
		p := toProfile(u)
		out[u.ID] = p
		s.cache[u.ID] = cachedProfile{p: p, at: now}
	}
	s.pruneLocked(now)
	return out, nil
}

func (s *AccountService) Profile(ctx context.Context, id uint) (Profile, error) {
	m, err := s.Profiles(ctx, []uint{id})
	if err != nil {
		return Profile{}, err
	}
	p, ok := m[id]
	if !ok {
		return Profile{}, ErrUserNotFound
	}
	return p, nil
}

// Forget 让某个用户的缓存立即失效。
func (s *AccountService) Forget(id uint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, id)
}

func (s *AccountService) pruneLocked(now time.Time) {
	if len(s.cache) <= profileCacheMaxSize {
		return
	}
	for id, c := range s.cache {
		if now.Sub(c.at) >= s.ttl {
			delete(s.cache, id)
		}
	}
	// 全部仍有效时直接清空，缓存只是优化。
	if len(s.cache) > profileCacheMaxSize {
		s.cache = make(map[uint]cachedProfile)
	}
}

// Register 创建账号。用户名唯一，冲突返回 ErrUsernameTaken。
func (s *AccountService) Register(ctx context.Context, username, password, displayName string) (*Profile, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.User{}).Where("username = ?", username).Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, ErrUsernameTaken
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, err
	}
	user := models.User{Username: username, DisplayName: displayName, PasswordHash: hash}
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrUsernameTaken
		}
		return nil, err
	}
	p := toProfile(user)
	return &p, nil
}

const maxSearchResults = 50

// Search 按用户名或昵称做不区分大小写的包含匹配，结果不含请求者本人。
func (s *AccountService) Search(ctx context.Context, requester uint, query string, limit int) ([]Profile, error) {
	if limit <= 0 || limit > maxSearchResults {
		limit = 20
	}
	q := s.db.WithContext(ctx).Model(&models.User{}).Where("id <> ?", requester)
	if needle := strings.ToLower(strings.TrimSpace(query)); needle != "" {
		like := "%" + escapeLike(needle) + "%"
		q = q.Where("(LOWER(username) LIKE ? ESCAPE '\\' OR LOWER(display_name) LIKE ? ESCAPE '\\')", like, like)
	}
	var users []models.User
	if err := q.Order("username").Limit(limit).Find(&users).Error; err != nil {
		return nil, err
	}
	out := make([]Profile, 0, len(users))
	for _, u := range users {
		out = append(out, toProfile(u))
	}
	return out, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`).Replace(s)
}

type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

type LoginResult struct {
	TokenPair
	User Profile `json:"user"`
}

// Login 校验用户名密码并签发 token 对。
func (s *AccountService) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	var user models.User
	if err := s.db.WithContext(ctx).Where("username = ?", username).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !auth.VerifyPassword(user.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}
	pair, err := s.issue(ctx, s.db, user.ID)
	if err != nil {
		return nil, err
	}
	return &LoginResult{TokenPair: *pair, User: toProfile(user)}, nil
}

// Refresh 旋转刷新：旧 refresh token 作废并签发新的一对。
func (s *AccountService) Refresh(ctx context.Context, oldRT string) (*TokenPair, error) {
	var out *TokenPair
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec, err := auth.ValidateRefreshToken(ctx, tx, oldRT)
		if err != nil {
			return err
		}
		if err := auth.RevokeRefreshToken(ctx, tx, oldRT); err != nil {
			return err
		}
		out, err = s.issue(ctx, tx, rec.UserID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *AccountService) issue(ctx context.Context, db *gorm.DB, userID uint) (*TokenPair, error) {
	at, err := auth.GenerateAccessToken(userID, s.cfg.JWTSecret, s.cfg.AccessTokenTTLMinutes)
	if err != nil {
		return nil, err
	}
	rt, err := auth.GenerateRefreshToken()
	if err != nil {
		return nil, err
	}
	exp := time.Now().Add(time.Duration(s.cfg.RefreshTokenTTLDays) * 24 * time.Hour)
	if err := auth.SaveRefreshToken(ctx, db, userID, rt, exp); err != nil {
		return nil, err
	}
	return &TokenPair{AccessToken: at, RefreshToken: rt}, nil
}
