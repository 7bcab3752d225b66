package docker

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ory/dockertest"
	"github.com/ory/dockertest/docker"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"

	"github.com/mikeydub/untappd-announcer/service/redis"
)

// N.B. This isn't the entire Docker Compose spec...
type ComposeFile struct {
	Version  string             `yaml:"version"`
	Services map[string]Service `yaml:"services"`
}

type Service struct {
	Image       string   `yaml:"image"`
	Ports       []string `yaml:"ports"`
	Environment []string `yaml:"environment"`
	Command     string   `yaml:"command"`
}

func configureContainerCleanup(config *docker.HostConfig) {
	config.AutoRemove = true
	config.RestartPolicy = docker.RestartPolicy{Name: "no"}
}

func waitOnCache() error {
	cache, err := redis.NewCache(redis.CheckinCache)
	if err != nil {
		return err
	}
	return cache.Close()
}

func loadComposeFile(path string) (ComposeFile, error) {
	var f ComposeFile

	data, err := os.ReadFile(path)
	if err != nil {
		return f, err
	}

	err = yaml.Unmarshal(data, &f)
	return f, err
}

func getImageAndVersion(s string) ([]string, error) {
	imgAndVer := strings.Split(s, ":")
	if len(imgAndVer) != 2 {
		return nil, errors.New("no version specified for image")
	}
	return imgAndVer, nil
}

// InitRedis starts the redis service from the compose file and points REDIS_URL at it.
func InitRedis(composePath string) (*dockertest.Pool, *dockertest.Resource, error) {
	pool, err := dockertest.NewPool("")
	if err != nil {
		return nil, nil, fmt.Errorf("could not connect to docker: %w", err)
	}
	pool.MaxWait = 3 * time.Minute

	if err := pool.Client.Ping(); err != nil {
		return nil, nil, fmt.Errorf("could not connect to docker: %w", err)
	}

	apps, err := loadComposeFile(composePath)
	if err != nil {
		return nil, nil, err
	}

	imgAndVer, err := getImageAndVersion(apps.Services["redis"].Image)
	if err != nil {
		return nil, nil, err
	}

	rd, err := pool.RunWithOptions(
		&dockertest.RunOptions{
			Repository: imgAndVer[0],
			Tag:        imgAndVer[1],
		}, configureContainerCleanup,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("could not start redis: %w", err)
	}

	// Patch environment to use container
	viper.Set("REDIS_URL", rd.GetHostPort("6379/tcp"))
	viper.Set("REDIS_PASS", "")

	if err = pool.Retry(waitOnCache); err != nil {
		pool.Purge(rd)
		return nil, nil, fmt.Errorf("could not connect to redis: %w", err)
	}

	return pool, rd, nil
}
