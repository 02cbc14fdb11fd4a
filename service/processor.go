package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"LumiCreate-server/config"
	"LumiCreate-server/models"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"gorm.io/gorm"
)

// Processor 消费队列任务并驱动生成引擎。
// 任何状态迁移都经过 Registry，Processor 自身不直接改任务状态。
type Processor struct {
	DB          *gorm.DB
	Registry    *Registry
	Text        TextGenerator
	Image       ImageGenerator
	Speech      SpeechSynthesizer
	Muxer       Muxer
	StorageRoot string
}

func NewProcessor(db *gorm.DB) *Processor {
	return &Processor{
		DB:          db,
		Registry:    NewRegistry(db),
		Text:        NewLLMClient(),
		Image:       NewPollinationsClient(),
		Speech:      NewHTTPTTSClient(),
		Muxer:       NewFFmpegMuxer(config.AppConfig.Storage.FFmpegPath),
		StorageRoot: config.AppConfig.Storage.Root,
	}
}

// StartProcessor 启动任务消费者
func (p *Processor) StartProcessor(concurrency int) {
	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     config.AppConfig.Redis.Addr,
			Password: config.AppConfig.Redis.Password,
		},
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				"default": 1,
			},
		},
	)
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypePipelineJob, p.HandleJob)

	log.Printf("Starting Job Processor with concurrency %d...", concurrency)
	go func() {
		if err := srv.Run(mux); err != nil {
			log.Fatalf("could not run server: %v", err)
		}
	}()
}

// HandleJob 核心处理逻辑：领取 -> 执行 -> 收尾。
// 业务失败记在任务上并返回 nil，不触发 asynq 重试（重试是用户动作）。
func (p *Processor) HandleJob(ctx context.Context, t *asynq.Task) error {
	var payload JobPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}

	job, err := p.Registry.store.Get(payload.JobID)
	if err != nil {
		return fmt.Errorf("job not found: %v: %w", err, asynq.SkipRetry)
	}

	// queued -> running；失败说明任务已被取消/执行过，静默跳过
	if err := p.Registry.Start(job.ID); err != nil {
		var ite *InvalidStateTransitionError
		if errors.As(err, &ite) {
			log.Printf("[Processor] 跳过非 queued 任务 job=%s status=%s", job.ID, ite.From)
			return nil
		}
		return err
	}
	log.Printf("Processing Job: %s | Type: %s", job.ID, job.Type)

	jobCtx, cancel := context.WithCancel(ctx)
	RegisterJobCancel(job.ID, cancel)
	defer UnregisterJobCancel(job.ID)
	defer cancel()

	var result models.JobResult
	var runErr error
	switch job.Type {
	case models.JobTypeScriptGen:
		result, runErr = p.runScriptGenerate(jobCtx, job)
	case models.JobTypeScriptParse:
		result, runErr = p.runScriptParse(jobCtx, job)
	case models.JobTypeImageGen:
		result, runErr = p.runImageGenerate(jobCtx, job)
	case models.JobTypeAudioGen:
		result, runErr = p.runAudioGenerate(jobCtx, job)
	case models.JobTypeVideoCompose:
		result, runErr = p.runVideoCompose(jobCtx, job)
	case models.JobTypeAIFill:
		result, runErr = p.runAIFill(jobCtx, job)
	default:
		runErr = fmt.Errorf("unknown job type: %s", job.Type)
	}

	if runErr != nil {
		// 协作取消：已产出的资产保留，任务落为 canceled
		if errors.Is(runErr, context.Canceled) || jobCtx.Err() != nil {
			log.Printf("[Processor] 任务已取消 job=%s", job.ID)
			if err := p.Registry.CancelObserved(job.ID); err != nil {
				log.Printf("[Processor] 取消落库失败 job=%s: %v", job.ID, err)
			}
			return nil
		}
		log.Printf("[Processor] 任务失败 job=%s: %v", job.ID, runErr)
		if err := p.Registry.Fail(job.ID, runErr.Error()); err != nil {
			log.Printf("[Processor] 失败落库失败 job=%s: %v", job.ID, err)
		}
		return nil
	}

	if err := p.Registry.Complete(job.ID, result); err != nil {
		log.Printf("[Processor] 完成落库失败 job=%s: %v", job.ID, err)
		return nil
	}
	log.Printf("Job %s completed successfully", job.ID)
	return nil
}

// saveAssetFile 把生成数据写入 storage root 下的相对路径
func (p *Processor) saveAssetFile(relPath string, data []byte) error {
	full := filepath.Join(p.StorageRoot, relPath)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return err
	}
	return os.WriteFile(full, data, 0644)
}

// ---- 文案生成 ----

func (p *Processor) runScriptGenerate(ctx context.Context, job *models.Job) (models.JobResult, error) {
	params := job.Params.Script
	project, err := models.GetProjectByID(p.DB, job.ProjectId)
	if err != nil {
		return models.JobResult{}, err
	}

	systemPrompt := BuildScriptPrompt(models.ScriptConfig{
		Topic:       params.Topic,
		Style:       params.Style,
		TargetWords: params.TargetWords,
	})

	var rawText string
	if params.Streaming {
		events, err := p.Text.GenerateStream(ctx, systemPrompt, params.Topic)
		if err != nil {
			return models.JobResult{}, err
		}
		var b strings.Builder
		target := params.TargetWords
		if target <= 0 {
			target = 500
		}
		for ev := range events {
			if ev.Err != nil {
				return models.JobResult{}, ev.Err
			}
			if ev.Done {
				break
			}
			b.WriteString(ev.Chunk)
			// 按已生成字数粗略汇报进度
			percent := len([]rune(b.String())) * 90 / target
			if percent > 90 {
				percent = 90
			}
			_ = p.Registry.ReportProgress(job.ID, percent)
		}
		rawText = b.String()
	} else {
		rawText, err = p.Text.Generate(ctx, systemPrompt, params.Topic)
		if err != nil {
			return models.JobResult{}, err
		}
	}
	rawText = strings.TrimSpace(rawText)
	if rawText == "" {
		return models.JobResult{}, fmt.Errorf("文案生成结果为空")
	}

	version := 1
	if latest, err := models.GetLatestScript(p.DB, job.ProjectId); err == nil {
		version = latest.Version + 1
	}
	script := &models.Script{
		ID:        uuid.NewString(),
		ProjectId: project.ID,
		RawText:   rawText,
		WordCount: len([]rune(rawText)),
		Version:   version,
	}
	if err := models.CreateScript(p.DB, script); err != nil {
		return models.JobResult{}, fmt.Errorf("保存文案失败: %w", err)
	}
	return models.JobResult{ScriptId: script.ID}, nil
}

// ---- 文案解析 ----

func (p *Processor) runScriptParse(ctx context.Context, job *models.Job) (models.JobResult, error) {
	_, segments, err := ReparseScript(ctx, p.DB, p.Text, job.Params.Parse.ScriptId)
	if err != nil {
		return models.JobResult{}, err
	}
	return models.JobResult{
		ScriptId:     job.Params.Parse.ScriptId,
		SegmentCount: len(segments),
	}, nil
}

// ---- 图片生成 ----

func (p *Processor) runImageGenerate(ctx context.Context, job *models.Job) (models.JobResult, error) {
	params := job.Params.Image
	sceneIndex := params.SceneIndex

	version, err := models.NextAssetVersion(p.DB, job.SegmentId, models.AssetTypeImage)
	if err != nil {
		return models.JobResult{}, err
	}

	var assetIds []string
	sink := func(candidateIndex int, c *ImageCandidate) error {
		fileName := fmt.Sprintf("scene%d_v%d_c%d.png", sceneIndex, version, candidateIndex)
		relPath := filepath.ToSlash(filepath.Join("images", job.ProjectId, job.SegmentId, fileName))
		if err := p.saveAssetFile(relPath, c.Data); err != nil {
			return err
		}
		scene := sceneIndex
		asset := &models.Asset{
			ID:        uuid.NewString(),
			ProjectId: job.ProjectId,
			SegmentId: job.SegmentId,
			Type:      models.AssetTypeImage,
			FilePath:  relPath,
			FileName:  fileName,
			Size:      int64(len(c.Data)),
			Version:   version,
			Metadata: models.AssetMetadata{
				Engine:         c.Engine,
				Seed:           c.Seed,
				Prompt:         params.Prompt,
				SceneIndex:     &scene,
				CandidateIndex: candidateIndex,
				Width:          c.Width,
				Height:         c.Height,
			},
			CreatedAt: time.Now(),
		}
		if err := models.CreateAsset(p.DB, asset); err != nil {
			return err
		}
		assetIds = append(assetIds, asset.ID)
		return nil
	}

	produced, err := collectCandidates(ctx, p.Image, params.Prompt, StyleParams{
		Engine: params.Engine,
		Style:  params.Style,
		Width:  params.Width,
		Height: params.Height,
		Seed:   params.Seed,
	}, params.Count, sink, func(percent int) {
		_ = p.Registry.ReportProgress(job.ID, percent)
	})
	if err != nil {
		// 取消时已产出的候选保留，任务在 HandleJob 里落为 canceled
		log.Printf("[Processor] 图片生成中止 job=%s 已产出 %d 张: %v", job.ID, produced, err)
		return models.JobResult{}, err
	}

	return models.JobResult{AssetIds: assetIds}, nil
}

// ---- 配音生成 ----

func (p *Processor) runAudioGenerate(ctx context.Context, job *models.Job) (models.JobResult, error) {
	params := job.Params.Audio
	seg, err := models.GetSegmentByID(p.DB, job.SegmentId)
	if err != nil {
		return models.JobResult{}, err
	}
	project, err := models.GetProjectByID(p.DB, job.ProjectId)
	if err != nil {
		return models.JobResult{}, err
	}

	result, err := p.Speech.Synthesize(ctx, params.Text, SpeechParams{
		Voice:      params.Voice,
		Lang:       params.Lang,
		SampleRate: params.SampleRate,
		Format:     params.Format,
		Speed:      params.Speed,
	})
	if err != nil {
		return models.JobResult{}, err
	}
	_ = p.Registry.ReportProgress(job.ID, 70)

	durationMs := result.DurationMs
	if durationMs <= 0 {
		// 引擎未报告时长，按语速估算
		durationMs = EstimateDurationMs(params.Text, project.Config.Composer)
	}

	version, err := models.NextAssetVersion(p.DB, job.SegmentId, models.AssetTypeAudio)
	if err != nil {
		return models.JobResult{}, err
	}
	fileName := fmt.Sprintf("narration_v%d.%s", version, result.Format)
	relPath := filepath.ToSlash(filepath.Join("audio", job.ProjectId, job.SegmentId, fileName))
	if err := p.saveAssetFile(relPath, result.Data); err != nil {
		return models.JobResult{}, fmt.Errorf("保存音频失败: %w", err)
	}

	asset := &models.Asset{
		ID:         uuid.NewString(),
		ProjectId:  job.ProjectId,
		SegmentId:  job.SegmentId,
		Type:       models.AssetTypeAudio,
		FilePath:   relPath,
		FileName:   fileName,
		Size:       int64(len(result.Data)),
		DurationMs: durationMs,
		Version:    version,
		Metadata:   models.AssetMetadata{Voice: params.Voice},
		CreatedAt:  time.Now(),
	}
	if err := models.CreateAsset(p.DB, asset); err != nil {
		return models.JobResult{}, err
	}

	// 最新配音自动生效，段落记录真实音频时长
	if err := models.UpdateSegment(p.DB, seg.ID, map[string]interface{}{
		"audio_asset_id": asset.ID,
		"duration_ms":    durationMs,
	}); err != nil {
		return models.JobResult{}, err
	}
	if _, err := RecomputeSegmentStatus(p.DB, seg.ID); err != nil {
		log.Printf("[Processor] 段落状态重算失败 segment=%s: %v", seg.ID, err)
	}
	if _, err := RecomputeProjectStatus(p.DB, job.ProjectId); err != nil {
		log.Printf("[Processor] 项目状态重算失败 project=%s: %v", job.ProjectId, err)
	}

	return models.JobResult{
		AssetIds:   []string{asset.ID},
		DurationMs: durationMs,
	}, nil
}

// ---- 视频合成 ----

func (p *Processor) runVideoCompose(ctx context.Context, job *models.Job) (models.JobResult, error) {
	project, err := models.GetProjectByID(p.DB, job.ProjectId)
	if err != nil {
		return models.JobResult{}, err
	}
	segments, err := models.ListSegmentsByProject(p.DB, job.ProjectId)
	if err != nil {
		return models.JobResult{}, err
	}

	// 建立选中资产索引
	assets := map[string]*models.Asset{}
	for i := range segments {
		seg := &segments[i]
		for _, id := range seg.SelectedSceneAssets() {
			if id == "" || assets[id] != nil {
				continue
			}
			if a, err := models.GetAssetByID(p.DB, id); err == nil {
				assets[id] = a
			}
		}
		if seg.AudioAssetId != "" && assets[seg.AudioAssetId] == nil {
			if a, err := models.GetAssetByID(p.DB, seg.AudioAssetId); err == nil {
				assets[seg.AudioAssetId] = a
			}
		}
	}

	outputName := ""
	if job.Params.Compose != nil {
		outputName = job.Params.Compose.OutputName
	}
	if outputName == "" {
		outputName = fmt.Sprintf("project_%s_output.mp4", job.ProjectId)
	}

	plan, err := BuildPlan(job.ProjectId, project.Config.Composer, segments, assets, p.StorageRoot, outputName)
	if err != nil {
		return models.JobResult{}, err
	}

	if fm, ok := p.Muxer.(*FFmpegMuxer); ok {
		fm.Progress = func(percent int) {
			_ = p.Registry.ReportProgress(job.ID, percent)
		}
	}
	outputPath, err := p.Muxer.Mux(ctx, plan)
	if err != nil {
		return models.JobResult{}, err
	}

	fullOutput := filepath.Join(p.StorageRoot, outputPath)
	var size int64
	if st, err := os.Stat(fullOutput); err == nil {
		size = st.Size()
	}
	videoAsset := &models.Asset{
		ID:         uuid.NewString(),
		ProjectId:  job.ProjectId,
		Type:       models.AssetTypeVideo,
		FilePath:   filepath.ToSlash(outputPath),
		FileName:   filepath.Base(outputPath),
		Size:       size,
		DurationMs: plan.TotalDurationMs(),
		Version:    1,
		Metadata:   models.AssetMetadata{SegmentCount: len(plan.Segments)},
		CreatedAt:  time.Now(),
	}
	if err := models.CreateAsset(p.DB, videoAsset); err != nil {
		return models.JobResult{}, err
	}

	result := models.JobResult{
		OutputPath:   filepath.ToSlash(outputPath),
		VideoAssetId: videoAsset.ID,
		DurationMs:   plan.TotalDurationMs(),
		SegmentCount: len(plan.Segments),
	}

	// 外挂字幕登记为独立资产
	if plan.Subtitle.Enabled && !plan.Subtitle.Burn {
		sidecarRel := filepath.ToSlash(filepath.Join(filepath.Dir(outputPath), plan.Subtitle.SidecarName))
		var subSize int64
		if st, err := os.Stat(filepath.Join(p.StorageRoot, sidecarRel)); err == nil {
			subSize = st.Size()
		}
		subtitleAsset := &models.Asset{
			ID:        uuid.NewString(),
			ProjectId: job.ProjectId,
			Type:      models.AssetTypeSubtitle,
			FilePath:  sidecarRel,
			FileName:  plan.Subtitle.SidecarName,
			Size:      subSize,
			Version:   1,
			CreatedAt: time.Now(),
		}
		if err := models.CreateAsset(p.DB, subtitleAsset); err != nil {
			log.Printf("[Processor] 字幕资产登记失败: %v", err)
		} else {
			result.SubtitleAssetId = subtitleAsset.ID
		}
	}

	// 成片上传 MinIO 供下载（失败不影响任务结果，本地文件仍在）
	if MinioClient != nil {
		objectName := fmt.Sprintf("projects/%s/%s", job.ProjectId, filepath.Base(outputPath))
		if url, err := PublishArtifact(fullOutput, objectName); err == nil {
			result.ResourceUrl = url
		} else {
			log.Printf("[Processor] 成片上传失败: %v", err)
		}
	}

	if err := models.UpdateProjectStatus(p.DB, job.ProjectId, models.ProjectStatusExported); err != nil {
		return models.JobResult{}, err
	}
	return result, nil
}

// ---- AI 配置填充 ----

func (p *Processor) runAIFill(ctx context.Context, job *models.Job) (models.JobResult, error) {
	project, err := models.GetProjectByID(p.DB, job.ProjectId)
	if err != nil {
		return models.JobResult{}, err
	}
	suggested, err := FillConfigFromDescription(ctx, p.Text, job.Params.AIFill.Description)
	if err != nil {
		return models.JobResult{}, err
	}

	merged := mergeProjectConfig(project.Config, *suggested)
	if err := models.UpdateProjectConfig(p.DB, job.ProjectId, merged); err != nil {
		return models.JobResult{}, err
	}
	return models.JobResult{}, nil
}

// mergeProjectConfig 推荐值只填空位，用户已设置的字段不被覆盖
func mergeProjectConfig(base, suggested models.ProjectConfig) models.ProjectConfig {
	if base.Script.Topic == "" {
		base.Script.Topic = suggested.Script.Topic
	}
	if base.Script.Style == "" {
		base.Script.Style = suggested.Script.Style
	}
	if base.Script.TargetWords == 0 {
		base.Script.TargetWords = suggested.Script.TargetWords
	}
	if base.Image.Style == "" {
		base.Image.Style = suggested.Image.Style
	}
	if base.Image.Width == 0 {
		base.Image.Width = suggested.Image.Width
	}
	if base.Image.Height == 0 {
		base.Image.Height = suggested.Image.Height
	}
	if base.Image.CandidateCount == 0 {
		base.Image.CandidateCount = suggested.Image.CandidateCount
	}
	if base.TTS.Voice == "" {
		base.TTS.Voice = suggested.TTS.Voice
	}
	if base.TTS.Speed == 0 {
		base.TTS.Speed = suggested.TTS.Speed
	}
	if !base.Composer.Portrait && suggested.Composer.Portrait {
		base.Composer.Portrait = true
	}
	if !base.Composer.KenBurnsEnabled && suggested.Composer.KenBurnsEnabled {
		base.Composer.KenBurnsEnabled = true
	}
	if !base.Composer.SubtitleEnabled && suggested.Composer.SubtitleEnabled {
		base.Composer.SubtitleEnabled = true
	}
	return base
}
