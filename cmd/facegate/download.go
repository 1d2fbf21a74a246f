package main

import (
	"compress/bzip2"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/MrCodeEU/facegate/pkg/logging"
)

const downloadTimeout = 10 * time.Minute

// dlibModel is a model file and where to fetch its bzip2 archive.
type dlibModel struct {
	Name string
	URL  string
}

var dlibModels = []dlibModel{
	{
		Name: "shape_predictor_5_face_landmarks.dat",
		URL:  "http://dlib.net/files/shape_predictor_5_face_landmarks.dat.bz2",
	},
	{
		Name: "dlib_face_recognition_resnet_model_v1.dat",
		URL:  "http://dlib.net/files/dlib_face_recognition_resnet_model_v1.dat.bz2",
	},
	{
		Name: "mmod_human_face_detector.dat",
		URL:  "http://dlib.net/files/mmod_human_face_detector.dat.bz2",
	},
}

func cmdDownloadModels(args []string) error {
	modelDir := cfg.Recognition.ModelPath
	if len(args) > 0 {
		modelDir = args[0]
	}

	ctx, cancel := context.WithTimeout(context.Background(), downloadTimeout)
	defer cancel()

	n, err := downloadModels(ctx, http.DefaultClient, modelDir, dlibModels)
	if err != nil {
		return err
	}
	fmt.Printf("%d model(s) downloaded to %s\n", n, modelDir)
	return nil
}

// downloadModels fetches every missing model into dir and returns how many
// were downloaded.
func downloadModels(ctx context.Context, client *http.Client, dir string, models []dlibModel) (int, error) {
	log := logging.Component("models")

	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, fmt.Errorf("failed to create model directory: %w", err)
	}

	n := 0
	for _, m := range models {
		target := filepath.Join(dir, m.Name)
		if _, err := os.Stat(target); err == nil {
			log.Infof("Model %s already exists, skipping", m.Name)
			continue
		}

		log.Infof("Downloading %s", m.Name)
		if err := fetchBzip2(ctx, client, m.URL, target); err != nil {
			return n, fmt.Errorf("failed to download %s: %w", m.Name, err)
		}
		n++
	}
	return n, nil
}

// fetchBzip2 streams a bzip2 archive into target. A partial download never
// ends up at target.
func fetchBzip2(ctx context.Context, client *http.Client, url, target string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bad status: %s", resp.Status)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".download-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := io.Copy(tmp, bzip2.NewReader(resp.Body)); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), target)
}
