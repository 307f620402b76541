package Adhoc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const TimeOutSeconds = 5

type RegisterRequest struct {
	Id        string   `json:"id"`
	IP        string   `json:"ip"`
	Port      int      `json:"port"`
	Feeds     []string `json:"feeds"`
	TimeStamp int64    `json:"timestamp"`
}

type RegisterResponse struct {
	Id      string `json:"id"`
	Success bool   `json:"success"`
}

// Registrar announces this streamer to a registration server at a fixed interval.
type Registrar struct {
	Id       string
	URL      string
	Interval time.Duration

	client *resty.Client
	log    *zap.Logger
}

func NewRegistrar(host string, port int, log *zap.Logger) *Registrar {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registrar{
		Id:       uuid.NewString(),
		URL:      fmt.Sprintf("http://%s:%d/api/register", host, port),
		Interval: TimeOutSeconds * time.Second,
		client:   resty.New().SetTimeout(TimeOutSeconds * time.Second),
		log:      log,
	}
}

// Register posts one heartbeat.
func (r *Registrar) Register(ctx context.Context, ip string, port int, feeds []string) (RegisterResponse, error) {
	var respBody RegisterResponse
	reqBody := RegisterRequest{
		Id:        r.Id,
		IP:        ip,
		Port:      port,
		Feeds:     feeds,
		TimeStamp: time.Now().Unix(),
	}
	resp, err := r.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(reqBody).
		SetResult(&respBody).
		Post(r.URL)
	if err != nil {
		return respBody, fmt.Errorf("register: %w", err)
	}
	if resp.IsError() {
		return respBody, fmt.Errorf("register: server returned %s: %s", resp.Status(), resp.String())
	}
	return respBody, nil
}

// SendAliveMessage sends a heartbeat immediately and then every Interval until ctx ends.
// Failures are logged; the next tick retries.
func (r *Registrar) SendAliveMessage(ctx context.Context, ip string, port int, feeds []string, wg *sync.WaitGroup) {
	defer wg.Done()
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()
	beat := func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.log.Error("SendAliveMessage panic recovered", zap.Any("panic", rec))
			}
		}()
		if _, err := r.Register(ctx, ip, port, feeds); err != nil && ctx.Err() == nil {
			r.log.Warn("heartbeat failed", zap.String("url", r.URL), zap.Error(err))
		}
	}
	beat()
	for {
		select {
		case <-ctx.Done():
			r.log.Info("SendAliveMessage context cancelled, exiting goroutine.")
			return
		case <-ticker.C:
			beat()
		}
	}
}

// GetOutboundIP returns the local address used to reach the internet. No packet is sent.
func GetOutboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String(), nil
}
