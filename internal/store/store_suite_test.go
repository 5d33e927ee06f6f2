package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/makeasinger/studio/internal/model"
)

// runStoreSuite exercises the Store contract against any implementation.
func runStoreSuite(t *testing.T, open func(t *testing.T) Store) {
	t.Run("CreateAndGetJob", func(t *testing.T) { testCreateAndGetJob(t, open(t)) })
	t.Run("DuplicateJob", func(t *testing.T) { testDuplicateJob(t, open(t)) })
	t.Run("UpsertIsIdempotent", func(t *testing.T) { testUpsertIdempotent(t, open(t)) })
	t.Run("UpsertPreservesLocalState", func(t *testing.T) { testUpsertPreservesLocalState(t, open(t)) })
	t.Run("ConcurrentUpsert", func(t *testing.T) { testConcurrentUpsert(t, open(t)) })
	t.Run("PollCount", func(t *testing.T) { testPollCount(t, open(t)) })
	t.Run("DerivedImagesDedupe", func(t *testing.T) { testDerivedImages(t, open(t)) })
	t.Run("DeleteKeepsJobWithSiblings", func(t *testing.T) { testDeleteWithSiblings(t, open(t)) })
	t.Run("DeleteLastRemovesJob", func(t *testing.T) { testDeleteLast(t, open(t)) })
	t.Run("DeleteWithoutJob", func(t *testing.T) { testDeleteWithoutJob(t, open(t)) })
	t.Run("DeleteOrphanCleansUpJob", func(t *testing.T) { testDeleteOrphanCleansUpJob(t, open(t)) })
	t.Run("StatusTransitions", func(t *testing.T) { testStatusTransitions(t, open(t)) })
	t.Run("ConcurrentDeleteOfSiblings", func(t *testing.T) { testConcurrentDelete(t, open(t)) })
	t.Run("LookupsAndShare", func(t *testing.T) { testLookupsAndShare(t, open(t)) })
}

func seedJob(t *testing.T, s Store, taskID, owner string) *model.Job {
	t.Helper()
	job, err := s.CreateJob(context.Background(), NewJob{
		ExternalTaskID:    taskID,
		OwnerID:           owner,
		Kind:              model.JobKindGenerate,
		RequestParameters: []byte(`{"prompt":"hello"}`),
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	return job
}

func seedArtifact(t *testing.T, s Store, job *model.Job, index int) *model.Artifact {
	t.Helper()
	a, err := s.UpsertArtifact(context.Background(), model.ArtifactUpsert{
		JobRef:             &job.ID,
		OwnerID:            job.OwnerID,
		ExternalTaskID:     job.ExternalTaskID,
		SequenceIndex:      index,
		ExternalArtifactID: fmt.Sprintf("audio-%d", index),
		Title:              "Song",
		RemoteURL:          fmt.Sprintf("https://cdn.example/%s/%d.mp3", job.ExternalTaskID, index),
	})
	if err != nil {
		t.Fatalf("UpsertArtifact: %v", err)
	}
	return a
}

func testCreateAndGetJob(t *testing.T, s Store) {
	ctx := context.Background()
	created := seedJob(t, s, "task-create", "user-1")
	if created.Status != model.JobStatePending {
		t.Errorf("status = %s, want PENDING", created.Status)
	}

	got, err := s.GetJobByExternalTaskID(ctx, "task-create")
	if err != nil {
		t.Fatalf("GetJobByExternalTaskID: %v", err)
	}
	if got.ID != created.ID || got.OwnerID != "user-1" || got.Kind != model.JobKindGenerate {
		t.Errorf("unexpected job: %+v", got)
	}
	if string(got.RequestParameters) == "" {
		t.Error("request parameters not persisted")
	}

	if _, err := s.GetJobByExternalTaskID(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}

	jobs, err := s.ListJobsByOwner(ctx, "user-1", 10)
	if err != nil {
		t.Fatalf("ListJobsByOwner: %v", err)
	}
	if len(jobs) != 1 {
		t.Errorf("len(jobs) = %d, want 1", len(jobs))
	}
}

func testDuplicateJob(t *testing.T, s Store) {
	seedJob(t, s, "task-dup", "user-1")
	_, err := s.CreateJob(context.Background(), NewJob{ExternalTaskID: "task-dup", OwnerID: "user-2", Kind: model.JobKindGenerate})
	if !errors.Is(err, ErrDuplicate) {
		t.Errorf("err = %v, want ErrDuplicate", err)
	}
}

func testUpsertIdempotent(t *testing.T, s Store) {
	ctx := context.Background()
	job := seedJob(t, s, "task-idem", "user-1")
	first := seedArtifact(t, s, job, 1)
	second := seedArtifact(t, s, job, 1)
	if first.ID != second.ID {
		t.Errorf("upsert created a second row: %s vs %s", first.ID, second.ID)
	}
	list, err := s.ListArtifactsByExternalTaskID(ctx, "task-idem")
	if err != nil {
		t.Fatalf("ListArtifactsByExternalTaskID: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("len(artifacts) = %d, want 1", len(list))
	}
}

func testUpsertPreservesLocalState(t *testing.T, s Store) {
	ctx := context.Background()
	job := seedJob(t, s, "task-keep", "user-1")
	a := seedArtifact(t, s, job, 1)
	if err := s.SetArtifactLocalFilename(ctx, a.ID, "task-keep-1-Song.mp3"); err != nil {
		t.Fatalf("SetArtifactLocalFilename: %v", err)
	}
	if _, err := s.SetArtifactShare(ctx, a.ID, true, nil); err != nil {
		t.Fatalf("SetArtifactShare: %v", err)
	}

	again, err := s.UpsertArtifact(ctx, model.ArtifactUpsert{
		OwnerID:        "user-1",
		ExternalTaskID: "task-keep",
		SequenceIndex:  1,
		RemoteURL:      "https://cdn.example/new.mp3",
	})
	if err != nil {
		t.Fatalf("UpsertArtifact: %v", err)
	}
	if again.LocalFilename == nil || *again.LocalFilename != "task-keep-1-Song.mp3" {
		t.Errorf("local filename cleared: %v", again.LocalFilename)
	}
	if !again.IsShared {
		t.Error("share flag cleared")
	}
	if again.JobRef == nil || *again.JobRef != job.ID {
		t.Error("job reference cleared")
	}
	if again.RemoteURL != "https://cdn.example/new.mp3" {
		t.Errorf("remote url = %q", again.RemoteURL)
	}
	if again.Title != "Song" {
		t.Errorf("title overwritten with empty value: %q", again.Title)
	}
}

func testConcurrentUpsert(t *testing.T, s Store) {
	ctx := context.Background()
	job := seedJob(t, s, "task-race", "user-1")

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 10; i++ {
		for _, idx := range []int{1, 2} {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				_, err := s.UpsertArtifact(ctx, model.ArtifactUpsert{
					JobRef:         &job.ID,
					OwnerID:        job.OwnerID,
					ExternalTaskID: job.ExternalTaskID,
					SequenceIndex:  idx,
					RemoteURL:      "https://cdn.example/x.mp3",
				})
				if err != nil {
					errs <- err
				}
			}(idx)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent upsert: %v", err)
	}

	list, err := s.ListArtifactsByExternalTaskID(ctx, "task-race")
	if err != nil {
		t.Fatalf("ListArtifactsByExternalTaskID: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("len(artifacts) = %d, want exactly 2", len(list))
	}
}

func testPollCount(t *testing.T, s Store) {
	ctx := context.Background()
	seedJob(t, s, "task-poll", "user-1")

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.IncrementPollCount(ctx, "task-poll"); err != nil {
				t.Errorf("IncrementPollCount: %v", err)
			}
		}()
	}
	wg.Wait()

	n, err := s.IncrementPollCount(ctx, "task-poll")
	if err != nil {
		t.Fatalf("IncrementPollCount: %v", err)
	}
	if n != 6 {
		t.Errorf("poll count = %d, want 6", n)
	}
}

func testDerivedImages(t *testing.T, s Store) {
	ctx := context.Background()
	seedJob(t, s, "task-img", "user-1")

	if _, err := s.AppendDerivedImages(ctx, "task-img", []string{"a.png", "b.png"}); err != nil {
		t.Fatalf("AppendDerivedImages: %v", err)
	}
	images, err := s.AppendDerivedImages(ctx, "task-img", []string{"b.png", "c.png"})
	if err != nil {
		t.Fatalf("AppendDerivedImages: %v", err)
	}
	want := []string{"a.png", "b.png", "c.png"}
	if len(images) != len(want) {
		t.Fatalf("images = %v, want %v", images, want)
	}
	for i := range want {
		if images[i] != want[i] {
			t.Errorf("images[%d] = %q, want %q", i, images[i], want[i])
		}
	}
}

func testDeleteWithSiblings(t *testing.T, s Store) {
	ctx := context.Background()
	job := seedJob(t, s, "task-sib", "user-1")
	a1 := seedArtifact(t, s, job, 1)
	seedArtifact(t, s, job, 2)

	res, err := s.DeleteArtifact(ctx, a1.ID)
	if err != nil {
		t.Fatalf("DeleteArtifact: %v", err)
	}
	if res.JobDeleted {
		t.Error("job deleted while a sibling remains")
	}
	if _, err := s.GetJobByExternalTaskID(ctx, "task-sib"); err != nil {
		t.Errorf("job should remain: %v", err)
	}
}

func testDeleteLast(t *testing.T, s Store) {
	ctx := context.Background()
	job := seedJob(t, s, "task-last", "user-1")
	a := seedArtifact(t, s, job, 1)

	res, err := s.DeleteArtifact(ctx, a.ID)
	if err != nil {
		t.Fatalf("DeleteArtifact: %v", err)
	}
	if !res.JobDeleted || res.Job == nil || res.Job.ID != job.ID {
		t.Errorf("expected job deletion, got %+v", res)
	}
	if _, err := s.GetJobByExternalTaskID(ctx, "task-last"); !errors.Is(err, ErrNotFound) {
		t.Errorf("job still present: %v", err)
	}
	if _, err := s.DeleteArtifact(ctx, a.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete err = %v, want ErrNotFound", err)
	}
}

func testDeleteWithoutJob(t *testing.T, s Store) {
	ctx := context.Background()
	a, err := s.UpsertArtifact(ctx, model.ArtifactUpsert{
		OwnerID:        "user-1",
		ExternalTaskID: "task-orphan",
		SequenceIndex:  1,
		RemoteURL:      "https://cdn.example/o.mp3",
	})
	if err != nil {
		t.Fatalf("UpsertArtifact: %v", err)
	}
	res, err := s.DeleteArtifact(ctx, a.ID)
	if err != nil {
		t.Fatalf("DeleteArtifact: %v", err)
	}
	if res.JobDeleted {
		t.Error("reported job deletion for an artifact without a job")
	}
}

// An artifact that lost its jobRef still takes the Job with it when it is the
// last one carrying that externalTaskId.
func testDeleteOrphanCleansUpJob(t *testing.T, s Store) {
	ctx := context.Background()
	seedJob(t, s, "task-orphan-job", "user-1")
	a, err := s.UpsertArtifact(ctx, model.ArtifactUpsert{
		OwnerID:        "user-1",
		ExternalTaskID: "task-orphan-job",
		SequenceIndex:  1,
		RemoteURL:      "https://cdn.example/o.mp3",
	})
	if err != nil {
		t.Fatalf("UpsertArtifact: %v", err)
	}
	if a.JobRef != nil {
		t.Fatalf("jobRef = %v, want nil", *a.JobRef)
	}

	res, err := s.DeleteArtifact(ctx, a.ID)
	if err != nil {
		t.Fatalf("DeleteArtifact: %v", err)
	}
	if !res.JobDeleted || res.Job == nil || res.Job.ExternalTaskID != "task-orphan-job" {
		t.Errorf("result = %+v, want job deleted", res)
	}
	if _, err := s.GetJobByExternalTaskID(ctx, "task-orphan-job"); !errors.Is(err, ErrNotFound) {
		t.Errorf("job still present: %v", err)
	}
}

func testStatusTransitions(t *testing.T, s Store) {
	ctx := context.Background()
	seedJob(t, s, "task-status", "user-1")
	msg := "timed out"

	steps := []struct {
		next model.JobState
		want model.JobState
	}{
		{model.JobStateGenerating, model.JobStateGenerating},
		{model.JobStateTimedOut, model.JobStateTimedOut},
		{model.JobStateGenerating, model.JobStateTimedOut},
		{model.JobStateFailed, model.JobStateTimedOut},
		{model.JobStateSuccess, model.JobStateSuccess},
		{model.JobStateFailed, model.JobStateSuccess},
		{model.JobStateTimedOut, model.JobStateSuccess},
		{model.JobStatePending, model.JobStateSuccess},
	}
	for i, step := range steps {
		got, err := s.SetJobStatus(ctx, "task-status", step.next, &msg)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if got != step.want {
			t.Errorf("step %d: %s gave %s, want %s", i, step.next, got, step.want)
		}
	}

	job, _ := s.GetJobByExternalTaskID(ctx, "task-status")
	if job.Status != model.JobStateSuccess || job.ErrorMessage != nil {
		t.Errorf("job = %s (%v), want SUCCESS without error", job.Status, job.ErrorMessage)
	}
	if _, err := s.SetJobStatus(ctx, "missing", model.JobStateFailed, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing job err = %v, want ErrNotFound", err)
	}
}

func testConcurrentDelete(t *testing.T, s Store) {
	ctx := context.Background()
	job := seedJob(t, s, "task-cdel", "user-1")
	a1 := seedArtifact(t, s, job, 1)
	a2 := seedArtifact(t, s, job, 2)

	var wg sync.WaitGroup
	results := make([]*DeleteResult, 2)
	for i, id := range []string{a1.ID, a2.ID} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			res, err := s.DeleteArtifact(ctx, id)
			if err != nil {
				t.Errorf("DeleteArtifact: %v", err)
				return
			}
			results[i] = res
		}(i, id)
	}
	wg.Wait()

	deletedCount := 0
	for _, r := range results {
		if r != nil && r.JobDeleted {
			deletedCount++
		}
	}
	if deletedCount != 1 {
		t.Errorf("job deleted %d times, want exactly once", deletedCount)
	}
	if _, err := s.GetJobByExternalTaskID(ctx, "task-cdel"); !errors.Is(err, ErrNotFound) {
		t.Errorf("job not cleaned up: %v", err)
	}
}

func testLookupsAndShare(t *testing.T, s Store) {
	ctx := context.Background()
	job := seedJob(t, s, "task-look", "user-1")
	a := seedArtifact(t, s, job, 1)

	if err := s.SetArtifactLocalFilename(ctx, a.ID, "task-look-1-Song.mp3"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetArtifactVideoTask(ctx, a.ID, "video-1"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetArtifactVideoFilename(ctx, a.ID, "task-look-1-Song.mp4"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetSecondaryTaskID(ctx, "task-look", "cover-1"); err != nil {
		t.Fatal(err)
	}

	if got, err := s.GetArtifactByLocalFilename(ctx, "task-look-1-Song.mp3"); err != nil || got.ID != a.ID {
		t.Errorf("GetArtifactByLocalFilename = %v, %v", got, err)
	}
	if got, err := s.GetArtifactByVideoFilename(ctx, "task-look-1-Song.mp4"); err != nil || got.ID != a.ID {
		t.Errorf("GetArtifactByVideoFilename = %v, %v", got, err)
	}
	if got, err := s.GetArtifactByVideoTaskID(ctx, "video-1"); err != nil || got.ID != a.ID {
		t.Errorf("GetArtifactByVideoTaskID = %v, %v", got, err)
	}
	if got, err := s.GetArtifactByPosition(ctx, "task-look", 1); err != nil || got.ID != a.ID {
		t.Errorf("GetArtifactByPosition = %v, %v", got, err)
	}
	if got, err := s.ListArtifactsByExternalArtifactID(ctx, "audio-1"); err != nil || len(got) == 0 {
		t.Errorf("ListArtifactsByExternalArtifactID = %v, %v", got, err)
	}
	if got, err := s.GetJobBySecondaryTaskID(ctx, "cover-1"); err != nil || got.ID != job.ID {
		t.Errorf("GetJobBySecondaryTaskID = %v, %v", got, err)
	}

	idx := 1
	shared, err := s.SetArtifactShare(ctx, a.ID, true, &idx)
	if err != nil {
		t.Fatalf("SetArtifactShare: %v", err)
	}
	if !shared.IsShared || shared.SharedAt == nil || shared.SharedCoverIndex == nil || *shared.SharedCoverIndex != 1 {
		t.Errorf("unexpected share state: %+v", shared)
	}
	if time.Since(*shared.SharedAt) > time.Minute {
		t.Errorf("sharedAt too old: %v", shared.SharedAt)
	}

	unshared, err := s.SetArtifactShare(ctx, a.ID, false, nil)
	if err != nil {
		t.Fatalf("SetArtifactShare: %v", err)
	}
	if unshared.IsShared || unshared.SharedAt != nil || unshared.SharedCoverIndex != nil {
		t.Errorf("unexpected unshare state: %+v", unshared)
	}

	errMsg := "boom"
	if _, err := s.SetJobStatus(ctx, "task-look", model.JobStateFailed, &errMsg); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetJobByExternalTaskID(ctx, "task-look")
	if got.Status != model.JobStateFailed || got.ErrorMessage == nil || *got.ErrorMessage != "boom" {
		t.Errorf("unexpected job state: %+v", got)
	}
}
